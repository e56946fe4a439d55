package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter(MessagesReceived, nil, "Messages received")

	counters := registry.GetAllMetrics().Counters
	if counter, exists := counters[MessagesReceived]; !exists {
		t.Fatalf("Expected counter %q to exist", MessagesReceived)
	} else if counter.Value != 1 {
		t.Fatalf("Expected counter value to be 1, got %f", counter.Value)
	}

	labels := map[string]string{"source": "live"}
	registry.IncrementCounter(MessagesReceived, labels, "Messages received")
	registry.IncrementCounter(MessagesReceived, labels, "Messages received")

	labeledKey := MessagesReceived + "_source:live"
	counters = registry.GetAllMetrics().Counters
	if counter, exists := counters[labeledKey]; !exists {
		t.Fatal("Expected labeled counter to exist")
	} else if counter.Value != 2 {
		t.Fatalf("Expected labeled counter value to be 2, got %f", counter.Value)
	}

	if got := registry.CounterValue(MessagesReceived, labels); got != 2 {
		t.Fatalf("Expected CounterValue 2, got %f", got)
	}
	if got := registry.CounterValue("never_recorded", nil); got != 0 {
		t.Fatalf("Expected unknown counter to read 0, got %f", got)
	}
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter(ReconnectAttempts, 2, nil, "Reconnect attempts")
	registry.AddToCounter(ReconnectAttempts, 3, nil, "Reconnect attempts")

	if got := registry.CounterValue(ReconnectAttempts, nil); got != 5 {
		t.Fatalf("Expected counter value to be 5, got %f", got)
	}
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	registry.RecordTimer(FetchDuration, 100*time.Millisecond, nil, "Fetch duration")
	registry.RecordTimer(FetchDuration, 200*time.Millisecond, nil, "Fetch duration")
	registry.RecordTimer(FetchDuration, 50*time.Millisecond, nil, "Fetch duration")

	timer, exists := registry.GetAllMetrics().Timers[FetchDuration]
	if !exists {
		t.Fatal("Expected timer to exist")
	}
	if timer.Count != 3 {
		t.Fatalf("Expected timer count to be 3, got %d", timer.Count)
	}
	if timer.Sum != 350 {
		t.Fatalf("Expected timer sum to be 350, got %f", timer.Sum)
	}
	if timer.Min != 50 {
		t.Fatalf("Expected timer min to be 50, got %f", timer.Min)
	}
	if timer.Max != 200 {
		t.Fatalf("Expected timer max to be 200, got %f", timer.Max)
	}
	if timer.Average < 116.6 || timer.Average > 116.7 {
		t.Fatalf("Expected timer average near 116.67, got %f", timer.Average)
	}
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge(UnreadCount, 4, nil, "Unread messages")
	registry.SetGauge(UnreadCount, 0, nil, "Unread messages")

	value, ok := registry.GaugeValue(UnreadCount, nil)
	if !ok {
		t.Fatal("Expected gauge to exist")
	}
	if value != 0 {
		t.Fatalf("Expected gauge value to be 0, got %f", value)
	}

	if _, ok := registry.GaugeValue(TypingPeers, nil); ok {
		t.Fatal("Expected unknown gauge to be absent")
	}
}

func TestMetricKey_StableLabelOrder(t *testing.T) {
	if key := metricKey("metric", nil); key != "metric" {
		t.Fatalf("Expected key to be 'metric', got %q", key)
	}

	labels := map[string]string{
		"status":   "ok",
		"endpoint": "messages",
		"method":   "GET",
	}
	want := "metric_endpoint:messages_method:GET_status:ok"
	for i := 0; i < 20; i++ {
		if key := metricKey("metric", labels); key != want {
			t.Fatalf("Expected %q, got %q", want, key)
		}
	}
}

func TestRegistry_PercentileCalculation(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 100; i++ {
		registry.RecordTimer(SendDuration, time.Duration(i)*time.Millisecond, nil, "Send duration")
	}

	timer := registry.GetAllMetrics().Timers[SendDuration]
	if timer.P95 != 96 {
		t.Fatalf("Expected P95 to be 96, got %f", timer.P95)
	}
	if timer.P99 != 100 {
		t.Fatalf("Expected P99 to be 100, got %f", timer.P99)
	}
}

func TestRegistry_TimerSampleWindow(t *testing.T) {
	registry := NewRegistry()

	for i := 0; i < maxTimerSamples+50; i++ {
		registry.RecordTimer(APIRequestDuration, time.Millisecond, nil, "")
	}

	registry.mu.RLock()
	samples := len(registry.timers[APIRequestDuration].samples)
	registry.mu.RUnlock()
	if samples != maxTimerSamples {
		t.Fatalf("Expected %d retained samples, got %d", maxTimerSamples, samples)
	}
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter(MessagesSent, nil, "")

	snap := registry.GetAllMetrics()
	registry.IncrementCounter(MessagesSent, nil, "")

	if snap.Counters[MessagesSent].Value != 1 {
		t.Fatalf("Snapshot changed after registry update: %f", snap.Counters[MessagesSent].Value)
	}
}

func TestRegistry_Reset(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter(MessagesSent, nil, "")
	registry.SetGauge(UnreadCount, 3, nil, "")

	registry.Reset()

	snap := registry.GetAllMetrics()
	if len(snap.Counters) != 0 || len(snap.Gauges) != 0 || len(snap.Timers) != 0 {
		t.Fatal("Expected registry to be empty after reset")
	}
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.IncrementCounter(MessagesReceived, nil, "")
			registry.RecordTimer(FetchDuration, time.Millisecond, nil, "")
			registry.SetGauge(UnreadCount, 1, nil, "")
			_ = registry.GetAllMetrics()
		}()
	}
	wg.Wait()

	if got := registry.CounterValue(MessagesReceived, nil); got != 50 {
		t.Fatalf("Expected 50 increments, got %f", got)
	}
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_test", nil, "Global test")
	AddToCounter("global_add", 5.0, nil, "Global add test")
	RecordTimer("global_timer", 50*time.Millisecond, nil, "Global timer test")
	SetGauge("global_gauge", 123.45, nil, "Global gauge test")

	metrics := GetAllMetrics()

	if _, exists := metrics.Counters["global_test"]; !exists {
		t.Fatal("Expected global counter to exist")
	}
	if _, exists := metrics.Counters["global_add"]; !exists {
		t.Fatal("Expected global add counter to exist")
	}
	if _, exists := metrics.Timers["global_timer"]; !exists {
		t.Fatal("Expected global timer to exist")
	}
	if _, exists := metrics.Gauges["global_gauge"]; !exists {
		t.Fatal("Expected global gauge to exist")
	}
	if metrics.Timestamp == 0 {
		t.Fatal("Expected timestamp to be present")
	}
	if GetRegistry() != globalRegistry {
		t.Fatal("Expected GetRegistry to return the global registry")
	}
}

func TestCopyLabels(t *testing.T) {
	original := map[string]string{"key1": "value1"}

	copied := copyLabels(original)
	copied["key2"] = "value2"

	if _, exists := original["key2"]; exists {
		t.Fatal("Modifying copy should not affect original")
	}
	if copyLabels(nil) != nil {
		t.Fatal("Copy of nil should be nil")
	}
}
