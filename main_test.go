package main

import (
	"reflect"
	"testing"
)

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"node", "--config", "/tmp/c.toml", "--test", "-v", "--listen-only"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if got.configPath != "/tmp/c.toml" {
		t.Errorf("configPath: got %q, want /tmp/c.toml", got.configPath)
	}
	if !got.node.Test || !got.node.Verbose || !got.node.ListenOnly {
		t.Errorf("node options: got %+v, want all set", got.node)
	}
	if !reflect.DeepEqual(got.rest, []string{"node"}) {
		t.Errorf("rest: got %v, want [node]", got.rest)
	}
}

func TestParseArgs_EqualsForm(t *testing.T) {
	got, err := parseArgs([]string{"--format=yaml", "clear-peers", "--config=/etc/x.toml", "abcd"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if got.format != "yaml" || got.configPath != "/etc/x.toml" {
		t.Errorf("got format=%q config=%q", got.format, got.configPath)
	}
	if !reflect.DeepEqual(got.rest, []string{"clear-peers", "abcd"}) {
		t.Errorf("rest: got %v", got.rest)
	}
}

func TestParseArgs_MissingValue(t *testing.T) {
	if _, err := parseArgs([]string{"peers", "--format"}); err == nil {
		t.Error("expected error for --format without a value")
	}
}
