// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("Writer output mismatch (-want +got):\n%s", diff)
	}
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingLogger) Infof(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingLogger) Warningf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingLogger) IsLogging(Level) bool { return true }

func TestRateLimitedSuppression(t *testing.T) {
	rec := &recordingLogger{}
	l := RateLimitedLogger(rec, time.Hour)
	for i := 0; i < 5; i++ {
		l.Warningf("PTEG %d overflow", i)
	}
	if diff := cmp.Diff([]string{"PTEG 0 overflow"}, rec.lines); diff != "" {
		t.Errorf("rate limited output mismatch (-want +got):\n%s", diff)
	}
	if got, want := suffix(4), " (4 similar messages suppressed)"; got != want {
		t.Errorf("suffix(4) got %q, wanted %q", got, want)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	g := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.May, 7, 13, 4, 5, 6000, time.UTC)
	g.Emit(0, Warning, ts, "radix: %s", "demote failed")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, wanted 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 13:04:05.000006 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") || !strings.HasSuffix(line, "] radix: demote failed\n") {
		t.Errorf("unexpected caller or message in %q", line)
	}
}

func TestBasicLoggerLevel(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if diff := cmp.Diff("shown\nnow shown\n", strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("BasicLogger output mismatch (-want +got):\n%s", diff)
	}
}
