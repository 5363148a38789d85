// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

import "testing"

type recorder struct {
	levels []Level
}

func (r *recorder) Log(level Level, keyvals ...interface{}) error {
	r.levels = append(r.levels, level)
	return nil
}

func TestFilterDropsBelowMinimum(t *testing.T) {
	rec := &recorder{}
	h := NewHelper(NewFilter(rec, FilterLevel(LevelWarn)))

	h.Debugf("dropped %d", 1)
	h.Infof("dropped %d", 2)
	h.Warnf("kept %d", 3)
	h.Errorf("kept %d", 4)

	if len(rec.levels) != 2 {
		t.Fatalf("filter passed %d messages, want 2", len(rec.levels))
	}
	if rec.levels[0] != LevelWarn || rec.levels[1] != LevelError {
		t.Errorf("passed levels = %v", rec.levels)
	}
}

func TestHelperNilLoggerDefaults(t *testing.T) {
	h := NewHelper(nil)
	// Must not panic.
	h.Debugf("probe %s", "ok")
}
