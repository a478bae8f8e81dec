package model

import (
	"testing"
	"time"
)

func TestWalStateMergeNeverRegresses(t *testing.T) {
	s := WalPending
	s = s.Merge(WalFanoutAcked)
	if s != WalFanoutAcked {
		t.Fatalf("expected fanout_acked, got %s", s)
	}
	s = s.Merge(WalPending)
	if s != WalFanoutAcked {
		t.Fatalf("merge with pending regressed to %s", s)
	}
	s = s.Merge(WalStorageAcked)
	if s != WalDone {
		t.Fatalf("both acks should give done, got %s", s)
	}
}

func TestWalStateStorageDead(t *testing.T) {
	s := WalPending.Merge(WalStorageDead)
	if !s.StorageSettled() || s.Settled() || s.Done() {
		t.Fatalf("dead-lettered only: %s", s)
	}
	s = s.Merge(WalFanoutAcked)
	if !s.Settled() || s.Done() {
		t.Fatalf("dead-lettered + fanout: %s", s)
	}
	if s.String() != "fanout_acked|storage_dead" {
		t.Fatalf("string = %q", s.String())
	}
	if WalState(8).Valid() || !s.Valid() {
		t.Fatalf("valid check wrong")
	}
}

func TestTaskTransitions(t *testing.T) {
	ok := [][2]TaskState{
		{TaskReady, TaskInFlight},
		{TaskInFlight, TaskDelivered},
		{TaskInFlight, TaskRetryScheduled},
		{TaskInFlight, TaskDLQ},
		{TaskRetryScheduled, TaskReady},
	}
	for _, p := range ok {
		if !p[0].CanTransition(p[1]) {
			t.Fatalf("%s -> %s should be allowed", p[0], p[1])
		}
	}
	bad := [][2]TaskState{
		{TaskReady, TaskDelivered},
		{TaskDelivered, TaskReady},
		{TaskDLQ, TaskReady},
		{TaskRetryScheduled, TaskInFlight},
	}
	for _, p := range bad {
		if p[0].CanTransition(p[1]) {
			t.Fatalf("%s -> %s should be rejected", p[0], p[1])
		}
	}
}

func TestBetterThanOrdering(t *testing.T) {
	now := time.Now()
	base := DeviceRecord{DeviceID: "b", Priority: PriorityNormal, LastSeenAt: now}

	high := base
	high.DeviceID = "z"
	high.Priority = PriorityHigh
	if !high.BetterThan(&base) {
		t.Fatalf("higher priority must win")
	}

	good := base
	good.DeviceID = "y"
	good.Quality = ConnectionQuality{RTTMs: 10, NetworkType: NetWiFi}
	bad := base
	bad.DeviceID = "a"
	bad.Quality = ConnectionQuality{RTTMs: 400, LossRate: 0.2}
	if !good.BetterThan(&bad) {
		t.Fatalf("better quality must win")
	}

	recent := base
	recent.DeviceID = "x"
	recent.LastSeenAt = now.Add(time.Second)
	if !recent.BetterThan(&base) {
		t.Fatalf("more recent must win")
	}

	tieA := base
	tieA.DeviceID = "a"
	if !tieA.BetterThan(&base) || base.BetterThan(&tieA) {
		t.Fatalf("device id must break ties lexicographically")
	}
}

func TestTaskIDDeterministic(t *testing.T) {
	if TaskID("m1", "u1", "d1") != TaskID("m1", "u1", "d1") {
		t.Fatalf("task id must be deterministic")
	}
	if TaskID("m1", "u1", "d1") == TaskID("m1", "u1", "d2") {
		t.Fatalf("task id must differ per device")
	}
}
