package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"smsblast/internal/models"
)

func TestFallbackPollerStartsOnStaleHeartbeat(t *testing.T) {
	var mu sync.Mutex
	var polled int

	status := func(ctx context.Context, id string) (models.TaskStatistics, error) {
		mu.Lock()
		polled++
		mu.Unlock()
		return models.TaskStatistics{CampaignID: id, Total: 5, Processed: 3}, nil
	}

	var gotStats []models.TaskStatistics
	onStats := func(s models.TaskStatistics) {
		mu.Lock()
		gotStats = append(gotStats, s)
		mu.Unlock()
	}

	p := NewFallbackPoller("camp-1", status, onStats,
		300*time.Millisecond, 100*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// No beats arrive; the watchdog must begin polling within roughly one
	// heartbeat timeout.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := polled
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poller never started after heartbeat went stale")
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	if len(gotStats) == 0 || gotStats[0].Total != 5 {
		t.Errorf("expected polled stats forwarded, got %v", gotStats)
	}
	mu.Unlock()
}

func TestFallbackPollerStopsOnBeat(t *testing.T) {
	var mu sync.Mutex
	var polled int

	status := func(ctx context.Context, id string) (models.TaskStatistics, error) {
		mu.Lock()
		polled++
		mu.Unlock()
		return models.TaskStatistics{}, nil
	}

	p := NewFallbackPoller("camp-1", status, nil,
		300*time.Millisecond, 50*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// Let it go stale and start polling.
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	before := polled
	mu.Unlock()
	if before == 0 {
		t.Fatal("expected polling to have started")
	}

	// Push channel resumes: beats keep arriving, polling must stop.
	stop := time.After(600 * time.Millisecond)
	beat := time.NewTicker(50 * time.Millisecond)
	defer beat.Stop()
wait:
	for {
		select {
		case <-beat.C:
			p.Beat()
		case <-stop:
			break wait
		}
	}

	mu.Lock()
	during := polled
	mu.Unlock()
	// Stay within the heartbeat timeout so the channel does not go stale
	// again while we observe.
	time.Sleep(150 * time.Millisecond)
	p.Beat()
	mu.Lock()
	after := polled
	mu.Unlock()

	// A single in-flight poll right around the resume is fine; sustained
	// polling is not.
	if after > during+1 {
		t.Errorf("polling continued after push resumed: %d -> %d", during, after)
	}
}

func TestFallbackPollerStop(t *testing.T) {
	p := NewFallbackPoller("camp-1",
		func(ctx context.Context, id string) (models.TaskStatistics, error) {
			return models.TaskStatistics{}, nil
		}, nil, time.Second, time.Second, testLogger())

	p.Start(context.Background())
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
