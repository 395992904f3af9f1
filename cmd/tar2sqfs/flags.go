package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	squashfs "github.com/sqfsgen/tar2sqfs"
)

const (
	defaultBlockSize    = 131072
	defaultDevBlockSize = 4096
)

// config collects every CLI-surface option (spec §6), parsed in the
// teacher's own "a struct of plain fields filled by flag.FlagSet" style
// rather than a generated options object.
type config struct {
	filename string

	compressor   string
	blockSize    uint
	devBlockSize uint
	numJobs      int
	backlog      int
	compExtra    string
	defaults     string

	noSkip     bool
	noXattr    bool
	keepTime   bool
	exportable bool
	force      bool
	quiet      bool

	version bool
}

const usagePrefix = `Usage: tar2sqfs [OPTIONS...] <sqfsfile>

Read an uncompressed tar archive from stdin and turn it into a squashfs
filesystem image.

Possible options:

`

const usageExamples = `
Examples:

	tar2sqfs rootfs.sqfs < rootfs.tar
	zcat rootfs.tar.gz | tar2sqfs rootfs.sqfs
	xzcat rootfs.tar.xz | tar2sqfs rootfs.sqfs
`

func parseArgs(args []string) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("tar2sqfs", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usagePrefix)
		fs.PrintDefaults()
		fmt.Fprint(fs.Output(), usageExamples)
	}

	fs.StringVar(&cfg.compressor, "compressor", "gzip", "compressor to use (gzip, lzma, xz, lz4, zstd)")
	fs.UintVar(&cfg.blockSize, "block-size", defaultBlockSize, "block size to use for the squashfs image")
	fs.UintVar(&cfg.devBlockSize, "dev-block-size", defaultDevBlockSize, "device block size to pad the image to")
	fs.StringVar(&cfg.defaults, "defaults", "", "comma separated uid=|gid=|mode=|mtime= defaults for implicit directories")
	fs.IntVar(&cfg.numJobs, "num-jobs", 1, "number of compressor jobs to create")
	fs.IntVar(&cfg.backlog, "queue-backlog", 0, "max queued data blocks before the packer waits (default 10x jobs)")
	fs.StringVar(&cfg.compExtra, "comp-extra", "", "comma separated extra options for the selected compressor")
	fs.BoolVar(&cfg.noSkip, "no-skip", false, "abort if a tar record cannot be read instead of skipping it")
	fs.BoolVar(&cfg.noXattr, "no-xattr", false, "do not copy extended attributes from the archive")
	fs.BoolVar(&cfg.keepTime, "keep-time", false, "keep the timestamps stored in the archive instead of defaults")
	fs.BoolVar(&cfg.exportable, "exportable", false, "generate an export table for NFS support")
	fs.BoolVar(&cfg.force, "force", false, "overwrite the output file if it exists")
	fs.BoolVar(&cfg.quiet, "quiet", false, "do not print progress reports")
	fs.BoolVar(&cfg.version, "version", false, "print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.version {
		return cfg, nil
	}

	if cfg.numJobs < 1 {
		cfg.numJobs = 1
	}
	if cfg.backlog < 1 {
		cfg.backlog = 10 * cfg.numJobs
	}
	if cfg.blockSize < 4096 {
		return nil, fmt.Errorf("block size must be at least 4096")
	}
	if cfg.devBlockSize < 1024 {
		return nil, fmt.Errorf("device block size must be at least 1024")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return nil, fmt.Errorf("missing argument: squashfs image")
	}
	if len(rest) > 1 {
		return nil, fmt.Errorf("unknown extra arguments: %s", strings.Join(rest[1:], " "))
	}
	cfg.filename = rest[0]

	return cfg, nil
}

// compLevel extracts "level=N" from --comp-extra, the only tunable this
// encoder's compressor plugins expose; it returns -1 (codec default) when
// absent.
func compLevel(compExtra string) (int, error) {
	if compExtra == "" {
		return -1, nil
	}
	for _, part := range strings.Split(compExtra, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && kv[0] == "level" {
			n, err := strconv.Atoi(kv[1])
			if err != nil {
				return -1, fmt.Errorf("invalid comp-extra level %q: %w", kv[1], err)
			}
			return n, nil
		}
	}
	return -1, nil
}

// parseDefaults parses the --defaults comma-list into squashfs.Defaults,
// mirroring tar2sqfs.c's fs_defaults handling (uid/gid/mtime default to 0,
// mode defaults to 0755).
func parseDefaults(s string) (squashfs.Defaults, error) {
	d := squashfs.Defaults{Mode: 0755}
	if s == "" {
		return d, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return d, fmt.Errorf("invalid --defaults entry %q", part)
		}
		key, val := kv[0], kv[1]
		n, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return d, fmt.Errorf("invalid --defaults value for %q: %w", key, err)
		}
		switch key {
		case "uid":
			d.Uid = uint32(n)
		case "gid":
			d.Gid = uint32(n)
		case "mode":
			d.Mode = uint16(n)
		case "mtime":
			d.ModTime = int32(n)
		default:
			return d, fmt.Errorf("unknown --defaults key %q", key)
		}
	}
	return d, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
