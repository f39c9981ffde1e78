// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-lib.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package configschema

import (
	"strings"
	"testing"
)

func TestValidateAccepts(t *testing.T) {
	raw := `{
		"main": {"interval": "10s"},
		"server": {"port": 11311, "max_size_bytes": 1048576},
		"textproto": {"max_inline_len": 1024},
		"sinks": {"telemetry": {"nats_url": "nats://127.0.0.1:4222", "subject": "cachepit.events"}}
	}`
	if err := Validate(strings.NewReader(raw)); err != nil {
		t.Errorf("expected valid config to pass, got: %v", err)
	}
}

func TestValidateRejectsMissingServer(t *testing.T) {
	raw := `{"main": {"interval": "10s"}}`
	if err := Validate(strings.NewReader(raw)); err == nil {
		t.Error("expected missing 'server' section to fail validation")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	raw := `{"server": {"port": 99999, "max_size_bytes": 1024}}`
	if err := Validate(strings.NewReader(raw)); err == nil {
		t.Error("expected out-of-range port to fail validation")
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	raw := `{not json`
	if err := Validate(strings.NewReader(raw)); err == nil {
		t.Error("expected malformed JSON to fail decoding")
	}
}
