// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-lib.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package configschema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

// Validate checks the raw JSON read from r against the cachepit
// top-level config schema (main/server/textproto/sinks sections).
func Validate(r io.Reader) error {
	jsonschema.Loaders["embedfs"] = func(s string) (io.ReadCloser, error) {
		f := filepath.Join("schemas", strings.Split(s, "//")[1])
		return schemaFiles.Open(f)
	}

	s, err := jsonschema.Compile("embedfs://cachepit-config.schema.json")
	if err != nil {
		cclog.Error("Error while compiling cachepit config json schema")
		return err
	}

	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		cclog.Warnf("Error while decoding raw config json: %#v", err)
		return err
	}

	if err = s.Validate(v); err != nil {
		return fmt.Errorf("CONFIGSCHEMA/VALIDATE > %#v", err)
	}

	return nil
}
