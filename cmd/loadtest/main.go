package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type latencySample struct {
	dur time.Duration
}

type snapshot struct {
	Visit struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"visit"`
	Revision  int64 `json:"revision"`
	Confirmed bool  `json:"confirmed"`
}

type displayState struct {
	Phase   string `json:"phase"`
	Pending bool   `json:"pending"`
}

func main() {
	httpAddr := flag.String("http", "http://localhost:8080", "http base address to target")
	wsAddr := flag.String("ws", "ws://localhost:8080", "websocket base address to target")
	visits := flag.Int("visits", 200, "number of concurrent visits to drive")
	dwell := flag.Duration("dwell", 2*time.Second, "how long each visit stays in progress")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("component", "loadtest").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	client := &http.Client{Timeout: 10 * time.Second}

	latencyCh := make(chan latencySample, *visits*2)
	var wg sync.WaitGroup

	for i := 0; i < *visits; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := driveVisit(ctx, client, dialer, *httpAddr, *wsAddr, id, *dwell, latencyCh); err != nil {
				logger.Error().Err(err).Int("visit", id).Msg("visit run failed")
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
		stop()
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

// driveVisit creates one visit, watches it over a websocket, then checks it
// in and out, sampling the delay between each transition request and the
// confirmed phase change arriving on the watch stream.
func driveVisit(ctx context.Context, client *http.Client, dialer websocket.Dialer, httpAddr, wsAddr string, id int, dwell time.Duration, latencies chan<- latencySample) error {
	worker := fmt.Sprintf("worker-%d", id)
	start := time.Now().UTC().Add(time.Minute)

	snap, err := createVisit(ctx, client, httpAddr, worker, fmt.Sprintf("client-%d", id), start, start.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("create visit: %w", err)
	}

	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("%s/v1/visits/%s/watch", wsAddr, snap.Visit.ID), nil)
	if err != nil {
		return fmt.Errorf("dial watch stream: %w", err)
	}
	defer conn.Close()

	sentStart := time.Now()
	if err := transition(ctx, client, httpAddr, snap.Visit.ID, "start", worker); err != nil {
		return fmt.Errorf("start visit: %w", err)
	}
	if err := awaitPhase(conn, "running", "approaching_end", "overtime"); err != nil {
		return fmt.Errorf("await running: %w", err)
	}
	latencies <- latencySample{dur: time.Since(sentStart)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(dwell):
	}

	sentEnd := time.Now()
	if err := transition(ctx, client, httpAddr, snap.Visit.ID, "end", worker); err != nil {
		return fmt.Errorf("end visit: %w", err)
	}
	if err := awaitPhase(conn, "completed"); err != nil {
		return fmt.Errorf("await completed: %w", err)
	}
	latencies <- latencySample{dur: time.Since(sentEnd)}
	return nil
}

func createVisit(ctx context.Context, client *http.Client, httpAddr, worker, clientID string, start, end time.Time) (snapshot, error) {
	body, _ := json.Marshal(map[string]any{
		"worker_id": worker,
		"client_id": clientID,
		"start":     start,
		"end":       end,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpAddr+"/v1/visits", bytes.NewReader(body))
	if err != nil {
		return snapshot{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return snapshot{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var snap snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func transition(ctx context.Context, client *http.Client, httpAddr, visitID, op, actor string) error {
	body, _ := json.Marshal(map[string]string{"actor_id": actor})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/visits/%s/%s", httpAddr, visitID, op), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// awaitPhase reads watch frames until a confirmed state in one of the wanted
// phases arrives. Completed visits close the stream right after the final
// frame, so a normal closure after "completed" is success.
func awaitPhase(conn *websocket.Conn, phases ...string) error {
	deadline := time.Now().Add(15 * time.Second)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				for _, p := range phases {
					if p == "completed" {
						return nil
					}
				}
			}
			return err
		}

		var state displayState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		if state.Pending {
			continue
		}
		for _, p := range phases {
			if state.Phase == p {
				return nil
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under200ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 200*time.Millisecond {
			under200ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under200ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg confirm latency: %s\nMax confirm latency: %s\n<200ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of transitions confirmed within 200ms")
	}
}
