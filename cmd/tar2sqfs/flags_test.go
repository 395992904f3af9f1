package main

import "testing"

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs([]string{"out.sqfs"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.filename != "out.sqfs" {
		t.Fatalf("expected filename %q, got %q", "out.sqfs", cfg.filename)
	}
	if cfg.compressor != "gzip" {
		t.Fatalf("expected default compressor gzip, got %q", cfg.compressor)
	}
	if cfg.blockSize != defaultBlockSize {
		t.Fatalf("expected default block size %d, got %d", defaultBlockSize, cfg.blockSize)
	}
	if cfg.devBlockSize != defaultDevBlockSize {
		t.Fatalf("expected default dev block size %d, got %d", defaultDevBlockSize, cfg.devBlockSize)
	}
	if cfg.backlog != 10*cfg.numJobs {
		t.Fatalf("expected default backlog 10x jobs (%d), got %d", 10*cfg.numJobs, cfg.backlog)
	}
}

func TestParseArgsMissingFilename(t *testing.T) {
	if _, err := parseArgs(nil); err == nil {
		t.Fatal("expected an error when no output filename is given")
	}
}

func TestParseArgsExtraArguments(t *testing.T) {
	if _, err := parseArgs([]string{"out.sqfs", "extra"}); err == nil {
		t.Fatal("expected an error for unexpected extra positional arguments")
	}
}

func TestParseArgsRejectsUndersizedBlockSize(t *testing.T) {
	if _, err := parseArgs([]string{"--block-size", "1024", "out.sqfs"}); err == nil {
		t.Fatal("expected an error for a block size below 4096")
	}
}

func TestParseArgsRejectsUndersizedDevBlockSize(t *testing.T) {
	if _, err := parseArgs([]string{"--dev-block-size", "512", "out.sqfs"}); err == nil {
		t.Fatal("expected an error for a device block size below 1024")
	}
}

func TestParseArgsCustomJobsAndBacklog(t *testing.T) {
	cfg, err := parseArgs([]string{"--num-jobs", "4", "--queue-backlog", "7", "out.sqfs"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.numJobs != 4 {
		t.Fatalf("expected numJobs 4, got %d", cfg.numJobs)
	}
	if cfg.backlog != 7 {
		t.Fatalf("expected explicit backlog 7 to be kept as-is, got %d", cfg.backlog)
	}
}

func TestParseArgsVersionSkipsFilenameRequirement(t *testing.T) {
	cfg, err := parseArgs([]string{"--version"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !cfg.version {
		t.Fatal("expected version flag to be set")
	}
}

func TestCompLevelParsesLevelKey(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"level=5", 5},
		{"foo=bar,level=9", 9},
		{"foo=bar", -1},
	}
	for _, c := range cases {
		got, err := compLevel(c.in)
		if err != nil {
			t.Fatalf("compLevel(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("compLevel(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCompLevelRejectsNonNumeric(t *testing.T) {
	if _, err := compLevel("level=abc"); err == nil {
		t.Fatal("expected an error for a non-numeric level")
	}
}

func TestParseDefaultsEmptyUsesModeDefault(t *testing.T) {
	d, err := parseDefaults("")
	if err != nil {
		t.Fatalf("parseDefaults: %v", err)
	}
	if d.Mode != 0755 {
		t.Fatalf("expected default mode 0755, got %o", d.Mode)
	}
}

func TestParseDefaultsParsesAllKeys(t *testing.T) {
	d, err := parseDefaults("uid=1000,gid=1000,mode=0700,mtime=12345")
	if err != nil {
		t.Fatalf("parseDefaults: %v", err)
	}
	if d.Uid != 1000 || d.Gid != 1000 || d.Mode != 0700 || d.ModTime != 12345 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}

func TestParseDefaultsRejectsUnknownKey(t *testing.T) {
	if _, err := parseDefaults("color=blue"); err == nil {
		t.Fatal("expected an error for an unknown --defaults key")
	}
}

func TestParseDefaultsRejectsMalformedEntry(t *testing.T) {
	if _, err := parseDefaults("uid"); err == nil {
		t.Fatal("expected an error for an entry missing '='")
	}
}
