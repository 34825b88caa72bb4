package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressLineParser(t *testing.T) {
	var p ProgressLineParser

	tests := []struct {
		name    string
		line    string
		ok      bool
		percent float64
		step    int
		total   int
	}{
		{name: "tqdm", line: " 42%|████▎     | 21/50 [00:10<00:14, 2.01it/s]", ok: true, percent: 42, step: 21, total: 50},
		{name: "zero", line: "  0%|          | 0/50 [00:00<?, ?it/s]", ok: true, percent: 0, step: 0, total: 50},
		{name: "complete", line: "100%|██████████| 50/50 [00:25<00:00]", ok: true, percent: 100, step: 50, total: 50},
		{name: "over hundred", line: "101%|██████████| 50/50", ok: false},
		{name: "missing denominator", line: " 12%|█▏        | 6/? [00:03<?, ?it/s]", ok: true, percent: 12},
		{name: "zero denominator", line: " 12%|█▏        | 6/0", ok: true, percent: 12},
		{name: "stage line", line: "[12:04:55] 📊 TRAINING (40%) - epoch 1/2", ok: true, percent: 40},
		{name: "stage marker without percent", line: "[12:04:55] ▶️  INIT - Starting LoRA training pipeline", ok: true, percent: 0},
		{name: "plain log", line: "Loading tokenizer", ok: false},
		{name: "empty", line: "   ", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := p.Parse(tt.line)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.percent, u.Percent)
			assert.Equal(t, tt.step, u.Step)
			assert.Equal(t, tt.total, u.Total)
		})
	}
}

func TestProgressLineParserStage(t *testing.T) {
	u, ok := ProgressLineParser{}.Parse("[09:00:01] 📊 GGUF_MERGE (95%) - converting")
	assert.True(t, ok)
	assert.Equal(t, "GGUF_MERGE", u.Stage)
	assert.Equal(t, "converting", u.Message)

	u, ok = ProgressLineParser{}.Parse("[09:00:02] ▶️  TRAINING - 🔥 Starting training: 2 epochs, ~4 steps")
	assert.True(t, ok)
	assert.True(t, u.StageLine())
	assert.Equal(t, "TRAINING", u.Stage)
	assert.Equal(t, "🔥 Starting training: 2 epochs, ~4 steps", u.Message)
}

func TestProgressThrottle(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewProgressThrottle(2 * time.Second)
	th.now = func() time.Time { return clock }

	assert.True(t, th.Allow(ProgressUpdate{Percent: 1}), "first update forwarded")

	clock = clock.Add(5 * time.Second)
	assert.False(t, th.Allow(ProgressUpdate{Percent: 1.5}), "less than one point")

	assert.True(t, th.Allow(ProgressUpdate{Percent: 3}))

	clock = clock.Add(500 * time.Millisecond)
	assert.False(t, th.Allow(ProgressUpdate{Percent: 10}), "interval not elapsed")

	assert.True(t, th.Allow(ProgressUpdate{Percent: 100}), "completion always forwarded")
	assert.False(t, th.Allow(ProgressUpdate{Percent: 100}), "completion forwarded once")

	th.Reset()
	assert.True(t, th.Allow(ProgressUpdate{Percent: 0}))
}
