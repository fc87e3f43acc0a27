package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/followlytics/followlytics/internal/progress"
)

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{ScanID: "s1", TS: time.Now(), Stage: progress.StageSandboxStep, Step: "upload_script"},
	}))

	entries := logs.FilterMessage("scan progress").All()
	require.Len(t, entries, 1)
	require.Equal(t, "upload_script", entries[0].ContextMap()["step"])
	require.Equal(t, "s1", entries[0].ContextMap()["scan_id"])
}
