// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scalding

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/grailbio/base/digest"
	yaml "gopkg.in/yaml.v2"
)

// Setting keys used by the engine itself. All other settings are
// opaque planner configuration carried through to the writer.
const (
	executionIDKey = "scalding.execution.id"
	uniqueIDKey    = "scalding.job.uniqueid"
	cachedFilesKey = "scalding.distributed.cache"
)

// UniqueID is a fresh token inserted into a config for sub-trees that
// need identity-dependent configuration.
type UniqueID string

// Config is an immutable job configuration. Every mutator returns a
// new Config; the receiver is never changed. Configs are digestible
// and key the evaluator cache, so the same sub-tree evaluated under
// different configs is never conflated.
type Config struct {
	settings    map[string]string
	optimize    bool
	cachedFiles []CachedFile
}

// NewConfig returns an empty configuration with execution
// optimization enabled.
func NewConfig() Config {
	return Config{optimize: true}
}

// ParseConfig parses a YAML job configuration of the form
//
//	optimize: true
//	settings:
//	  mapreduce.job.queuename: etl
func ParseConfig(b []byte) (Config, error) {
	var raw struct {
		Optimize *bool             `yaml:"optimize"`
		Settings map[string]string `yaml:"settings"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %v", err)
	}
	c := NewConfig()
	if raw.Optimize != nil {
		c.optimize = *raw.Optimize
	}
	for k, v := range raw.Settings {
		c = c.WithSetting(k, v)
	}
	return c, nil
}

// Setting returns the value stored under key, if any.
func (c Config) Setting(key string) (string, bool) {
	v, ok := c.settings[key]
	return v, ok
}

// WithSetting returns a copy of c with key set to value.
func (c Config) WithSetting(key, value string) Config {
	settings := make(map[string]string, len(c.settings)+1)
	for k, v := range c.settings {
		settings[k] = v
	}
	settings[key] = value
	c.settings = settings
	return c
}

// WithExecutionID returns a copy of c carrying the run's execution id.
// Run sets a fresh UUID here at the start of every evaluation.
func (c Config) WithExecutionID(id uuid.UUID) Config {
	return c.WithSetting(executionIDKey, id.String())
}

// ExecutionID returns the run's execution id, or the empty string if
// none has been set.
func (c Config) ExecutionID() string {
	v, _ := c.settings[executionIDKey]
	return v
}

// EnsureUniqueID mints a fresh unique token, records it in the
// returned config, and returns both. The token list accumulates: every
// call adds a new token.
func (c Config) EnsureUniqueID() (UniqueID, Config) {
	id := UniqueID(uuid.New().String())
	prev, ok := c.settings[uniqueIDKey]
	if ok {
		prev += "," + string(id)
	} else {
		prev = string(id)
	}
	return id, c.WithSetting(uniqueIDKey, prev)
}

// ExecutionOptimization tells whether the pre-evaluation rewrite rules
// are applied for this config.
func (c Config) ExecutionOptimization() bool {
	return c.optimize
}

// WithOptimization returns a copy of c with the optimization flag set
// to on.
func (c Config) WithOptimization(on bool) Config {
	c.optimize = on
	return c
}

// WithCachedFile returns a copy of c with file registered for
// distribution. The registration is also reflected in the settings so
// that the writer can plan it.
func (c Config) WithCachedFile(file CachedFile) Config {
	entry := file.Path + "#" + file.SymlinkName()
	if prev, ok := c.settings[cachedFilesKey]; ok {
		entry = prev + "," + entry
	}
	c = c.WithSetting(cachedFilesKey, entry)
	cachedFiles := make([]CachedFile, len(c.cachedFiles), len(c.cachedFiles)+1)
	copy(cachedFiles, c.cachedFiles)
	c.cachedFiles = append(cachedFiles, file)
	return c
}

// CachedFiles returns the files registered for distribution, in
// registration order. The returned slice must not be modified.
func (c Config) CachedFiles() []CachedFile {
	return c.cachedFiles
}

// Digest returns a digest capturing the entirety of the config:
// two configs with equal digests plan identically.
func (c Config) Digest() digest.Digest {
	w := Digester.NewWriter()
	c.WriteDigest(w)
	return w.Digest()
}

// WriteDigest writes the digestible material of c to w.
func (c Config) WriteDigest(w io.Writer) {
	io.WriteString(w, strconv.FormatBool(c.optimize))
	keys := make([]string, 0, len(c.settings))
	for k := range c.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(w, k)
		io.WriteString(w, "=")
		io.WriteString(w, c.settings[k])
	}
	for _, f := range c.cachedFiles {
		io.WriteString(w, f.Path)
		io.WriteString(w, f.Token)
	}
}

// String returns a summary of the configuration.
func (c Config) String() string {
	s := "noopt"
	if c.optimize {
		s = "opt"
	}
	return fmt.Sprintf("config %s settings %d files %d", s, len(c.settings), len(c.cachedFiles))
}
