package messagelog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *stepClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(delta)
}

func mustLog(t *testing.T, clock *stepClock) *Log {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "log.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&LogEntry{}, &EditRedirect{}, &LogHead{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	log, err := NewLog(Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	return log
}

func newClock() *stepClock {
	return &stepClock{current: time.UnixMilli(1_700_000_000_000).UTC()}
}

func TestAppendAssignsIncreasingPositionsWithinOneMillisecond(t *testing.T) {
	clock := newClock()
	log := mustLog(t, clock)
	ctx := context.Background()

	var previous Position
	for index := 0; index < 5; index++ {
		position, err := log.Append(ctx, "room", []byte(fmt.Sprintf(`{"n":%d}`, index)))
		if err != nil {
			t.Fatalf("append %d failed: %v", index, err)
		}
		if index > 0 && !previous.Less(position) {
			t.Fatalf("expected %s to follow %s", position, previous)
		}
		previous = position
	}
	if previous.Seq != 4 {
		t.Fatalf("expected sequence 4 within a single millisecond, got %s", previous)
	}

	clock.Advance(time.Millisecond)
	next, err := log.Append(ctx, "room", []byte(`{}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if next.Seq != 0 || next.Millis != previous.Millis+1 {
		t.Fatalf("expected sequence reset on a new millisecond, got %s", next)
	}
}

func TestAppendStaysMonotonicWhenClockMovesBackwards(t *testing.T) {
	clock := newClock()
	log := mustLog(t, clock)
	ctx := context.Background()

	first, err := log.Append(ctx, "room", []byte(`{}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	clock.Advance(-time.Second)
	second, err := log.Append(ctx, "room", []byte(`{}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !first.Less(second) {
		t.Fatalf("expected %s to follow %s", second, first)
	}
}

func TestAppendNeverReusesDeletedTailPosition(t *testing.T) {
	clock := newClock()
	log := mustLog(t, clock)
	ctx := context.Background()

	first, err := log.Append(ctx, "room", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if removed, err := log.DeleteAt(ctx, "room", first); err != nil || removed != 1 {
		t.Fatalf("expected tail entry removed, got %d (%v)", removed, err)
	}
	second, err := log.Append(ctx, "room", []byte(`{"n":2}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !first.Less(second) {
		t.Fatalf("expected %s to follow deleted %s", second, first)
	}

	if _, err := log.DeleteAt(ctx, "room", second); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	clock.Advance(-time.Second)
	third, err := log.Append(ctx, "room", []byte(`{"n":3}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !second.Less(third) {
		t.Fatalf("expected %s to follow %s after the clock moved backwards", third, second)
	}
}

func TestConcurrentAppendsProduceDistinctPositions(t *testing.T) {
	log := mustLog(t, newClock())
	ctx := context.Background()

	const writers = 12
	positions := make(chan Position, writers)
	var group sync.WaitGroup
	for index := 0; index < writers; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			position, err := log.Append(ctx, "room", []byte(`{}`))
			if err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
			positions <- position
		}()
	}
	group.Wait()
	close(positions)

	seen := make(map[Position]struct{})
	for position := range positions {
		if _, duplicate := seen[position]; duplicate {
			t.Fatalf("duplicate position %s", position)
		}
		seen[position] = struct{}{}
	}
	if len(seen) != writers {
		t.Fatalf("expected %d positions, got %d", writers, len(seen))
	}
}

func TestAppendRejectsWhenSaturated(t *testing.T) {
	log := mustLog(t, newClock())
	if !log.inflight.TryAcquire(defaultMaxInflightAppends) {
		t.Fatalf("failed to occupy the append budget")
	}
	defer log.inflight.Release(defaultMaxInflightAppends)

	_, err := log.Append(context.Background(), "room", []byte(`{}`))
	if !errors.Is(err, chat.ErrAppend) {
		t.Fatalf("expected append error, got %v", err)
	}
}

func TestRangeLatestAndGet(t *testing.T) {
	clock := newClock()
	log := mustLog(t, clock)
	ctx := context.Background()

	var positions []Position
	for index := 0; index < 6; index++ {
		position, err := log.Append(ctx, "room", []byte(fmt.Sprintf(`{"n":%d}`, index)))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		positions = append(positions, position)
		clock.Advance(time.Millisecond)
	}
	if _, err := log.Append(ctx, "other", []byte(`{}`)); err != nil {
		t.Fatalf("append to other room failed: %v", err)
	}

	all, err := log.Range(ctx, "room", nil, nil, 0)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(all))
	}

	from, to := positions[1], positions[3]
	window, err := log.Range(ctx, "room", &from, &to, 0)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(window) != 3 || window[0].Position != positions[1] || window[2].Position != positions[3] {
		t.Fatalf("unexpected inclusive window %+v", window)
	}

	limited, err := log.Range(ctx, "room", nil, nil, 2)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Position != positions[0] {
		t.Fatalf("expected the oldest two entries, got %+v", limited)
	}

	latest, err := log.Latest(ctx, "room", 2)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].Position != positions[4] || latest[1].Position != positions[5] {
		t.Fatalf("expected newest two entries oldest first, got %+v", latest)
	}

	entry, err := log.Get(ctx, "room", positions[2])
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(entry.Envelope) != `{"n":2}` {
		t.Fatalf("unexpected envelope %s", entry.Envelope)
	}
	if _, err := log.Get(ctx, "room", Position{Millis: 1}); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRangeBareMillisUpperBoundCoversWholeMillisecond(t *testing.T) {
	log := mustLog(t, newClock())
	ctx := context.Background()
	var last Position
	for index := 0; index < 3; index++ {
		position, err := log.Append(ctx, "room", []byte(`{}`))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		last = position
	}
	upper, err := ParseBound(fmt.Sprintf("%d", last.Millis), true)
	if err != nil {
		t.Fatalf("parse bound failed: %v", err)
	}
	entries, err := log.Range(ctx, "room", nil, &upper, 0)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(entries))
	}
}

func TestDeleteAndTrim(t *testing.T) {
	clock := newClock()
	log := mustLog(t, clock)
	ctx := context.Background()

	var positions []Position
	for index := 0; index < 10; index++ {
		position, err := log.Append(ctx, "room", []byte(`{}`))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		positions = append(positions, position)
		clock.Advance(time.Millisecond)
	}

	removed, err := log.DeleteAt(ctx, "room", positions[0])
	if err != nil || removed != 1 {
		t.Fatalf("expected one deletion, got %d (%v)", removed, err)
	}
	removed, err = log.DeleteAt(ctx, "room", positions[0])
	if err != nil || removed != 0 {
		t.Fatalf("expected repeated deletion to remove nothing, got %d (%v)", removed, err)
	}

	removed, err = log.TrimBefore(ctx, "room", positions[3])
	if err != nil || removed != 2 {
		t.Fatalf("expected trim before to remove 2, got %d (%v)", removed, err)
	}

	removed, err = log.TrimToMax(ctx, "room", 4)
	if err != nil || removed != 3 {
		t.Fatalf("expected trim to max to remove 3, got %d (%v)", removed, err)
	}
	remaining, err := log.Range(ctx, "room", nil, nil, 0)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(remaining) != 4 || remaining[0].Position != positions[6] {
		t.Fatalf("expected newest 4 entries to survive, got %+v", remaining)
	}

	activity, err := log.LastActivity(ctx, "room")
	if err != nil || activity != positions[9].Millis {
		t.Fatalf("expected last activity %d, got %d (%v)", positions[9].Millis, activity, err)
	}
	if err := log.DeleteRoom(ctx, "room"); err != nil {
		t.Fatalf("delete room failed: %v", err)
	}
	activity, err = log.LastActivity(ctx, "room")
	if err != nil || activity != 0 {
		t.Fatalf("expected empty log activity 0, got %d (%v)", activity, err)
	}
}

func TestResolveFollowsRedirectsAndFallsBackToPosition(t *testing.T) {
	log := mustLog(t, newClock())
	ctx := context.Background()

	direct := Position{Millis: 42, Seq: 1}
	resolved, err := log.Resolve(ctx, "room", direct.String())
	if err != nil || resolved != direct {
		t.Fatalf("expected fallback to parsed position, got %s (%v)", resolved, err)
	}
	if _, err := log.Resolve(ctx, "room", "client-uuid"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected not found for unknown client id, got %v", err)
	}

	target := Position{Millis: 99, Seq: 0}
	if err := log.SetRedirect(ctx, "room", "client-uuid", target); err != nil {
		t.Fatalf("set redirect failed: %v", err)
	}
	resolved, err = log.Resolve(ctx, "room", "client-uuid")
	if err != nil || resolved != target {
		t.Fatalf("expected redirect target %s, got %s (%v)", target, resolved, err)
	}

	moved := Position{Millis: 120, Seq: 3}
	if err := log.SetRedirect(ctx, "room", "client-uuid", moved); err != nil {
		t.Fatalf("overwrite redirect failed: %v", err)
	}
	resolved, _ = log.Resolve(ctx, "room", "client-uuid")
	if resolved != moved {
		t.Fatalf("expected overwritten redirect %s, got %s", moved, resolved)
	}

	if err := log.ClearRedirect(ctx, "room", "client-uuid"); err != nil {
		t.Fatalf("clear redirect failed: %v", err)
	}
	if _, found, _ := log.Redirect(ctx, "room", "client-uuid"); found {
		t.Fatalf("expected redirect to be cleared")
	}
}

func TestParsePosition(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		upper   bool
		want    Position
		wantErr bool
	}{
		{name: "full", raw: "1700-3", want: Position{Millis: 1700, Seq: 3}},
		{name: "bare lower", raw: "1700", want: Position{Millis: 1700}},
		{name: "bare upper", raw: "1700", upper: true, want: Position{Millis: 1700, Seq: 1<<63 - 1}},
		{name: "empty", raw: " ", wantErr: true},
		{name: "garbage", raw: "abc-1", wantErr: true},
		{name: "negative seq", raw: "10--1", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := ParseBound(testCase.raw, testCase.upper)
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidPosition) {
					t.Fatalf("expected invalid position, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("expected %+v, got %+v", testCase.want, got)
			}
		})
	}
}
