// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"context"
	"encoding/json"
	"testing"
)

func roundtripJSON(in interface{}, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func TestMarshalKind(t *testing.T) {
	for k := Other; k < maxKind; k++ {
		var (
			e1 = E("op", "arg", k)
			e2 = new(Error)
		)
		if err := roundtripJSON(e1, e2); err != nil {
			t.Error(err)
			continue
		}
		if !Match(e1, e2) {
			t.Errorf("%v does not match %v", e1, e2)
		}
	}
}

func TestMarshalChain(t *testing.T) {
	var (
		e1 = E("op1", Timeout, E("op2", Temporary))
		e2 = new(Error)
	)
	if err := roundtripJSON(e1, e2); err != nil {
		t.Fatal(err)
	}
	if !Match(e1, e2) {
		t.Errorf("%v does not match %v", e1, e2)
	}
}

func TestE(t *testing.T) {
	e := E("fetch", context.DeadlineExceeded)
	if got, want := e, E("fetch", Timeout); !Match(want, got) {
		t.Errorf("got %v, want %v", got, want)
	}
	e = E("submit", context.Canceled)
	if got, want := e, E("submit", Canceled); !Match(want, got) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIs(t *testing.T) {
	e := E("run", E("execute", FlowStop, New("stopped")))
	if !Is(FlowStop, e) {
		t.Errorf("%v is not FlowStop", e)
	}
	if Is(Timeout, e) {
		t.Errorf("%v is Timeout", e)
	}
	if Is(FlowStop, New("plain")) {
		t.Error("plain error is FlowStop")
	}
}

func TestKindInherited(t *testing.T) {
	inner := E("plan", Temporary, New("overloaded"))
	outer := Recover(E("submit", inner))
	if got, want := outer.Kind, Temporary; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTransient(t *testing.T) {
	for _, c := range []struct {
		kind Kind
		want bool
	}{
		{Timeout, true},
		{Temporary, true},
		{TooManyTries, true},
		{FlowStop, false},
		{Canceled, false},
		{Filter, false},
		{Fatal, false},
	} {
		if got := Transient(E("op", c.kind)); got != c.want {
			t.Errorf("Transient(%v): got %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestMatchKind(t *testing.T) {
	if !Match(FlowStop, E("stop", FlowStop)) {
		t.Error("kind match failed")
	}
	if Match(FlowStop, E("stop", Canceled)) {
		t.Error("kind mismatch matched")
	}
}
