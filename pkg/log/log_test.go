// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLoggerFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		File:   FileLogConfig{RootPath: dir, Filename: "chat.log"},
	}
	logger, props, err := InitLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, props.Level.Level())
	assert.Equal(t, defaultLogMaxSize, cfg.File.MaxSize)

	logger.Debug("hidden")
	logger.Info("visible", FieldConnID(3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "chat.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"visible"`)
	assert.Contains(t, string(data), `"connID":3`)
	assert.NotContains(t, string(data), "hidden")
}

func TestInitLoggerErrors(t *testing.T) {
	_, _, err := InitLogger(&Config{Level: "loud"})
	assert.Error(t, err)

	dir := t.TempDir()
	_, _, err = InitLogger(&Config{Level: "info", File: FileLogConfig{RootPath: filepath.Dir(dir), Filename: filepath.Base(dir)}})
	assert.Error(t, err)
}

func TestTraceLevelIsDebug(t *testing.T) {
	_, props, err := InitLogger(&Config{Level: "trace"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, props.Level.Level())
}

func TestCtxLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := WithLogger(context.Background(), &MLogger{Logger: zap.New(core)})
	ctx = WithConnID(ctx, 42)
	ctx = WithFields(ctx, FieldModule("chat"))

	Ctx(ctx).Info("hello", FieldNickname("alice"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint64(42), fields[FieldNameConnID])
	assert.Equal(t, "chat", fields[FieldNameModule])
	assert.Equal(t, "alice", fields[FieldNameNickname])

	// a context without a logger falls back to the global one
	assert.NotNil(t, Ctx(context.Background()))
}

func TestRateGroup(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := (&MLogger{Logger: zap.New(core)}).WithRateGroup("log_test", 0.0001, 1)

	assert.True(t, logger.RatedWarn(1, "first"))
	assert.False(t, logger.RatedWarn(1, "second"))
	assert.Equal(t, 1, logs.Len())

	// derived loggers share the limiter
	assert.False(t, logger.With(FieldModule("x")).RatedWarn(1, "third"))
}

func TestBinder(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())

	l := With(FieldModule("test"))
	var binder LoggerBinder = &b
	binder.SetLogger(l)
	var getter LoggerGetter = &b
	assert.Same(t, l, getter.Logger())
}
