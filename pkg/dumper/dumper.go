// Package dumper writes full-memory dumps of running processes, singly or
// tree-wide, for diagnosing a timed-out or otherwise misbehaving pip (spec
// component E). The POSIX path spec.md names delegates to the OS's own
// core-dump facility rather than an in-process dumping API; on Linux that
// means shelling out to gdb in batch mode (gcore, where installed, is a
// thinner wrapper around the same gcore.py gdb script and is tried first).
package dumper

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// dumpMu serializes concurrent dump attempts. gdb's ptrace attach can
// misbehave if two instances race to attach to overlapping process trees
// (one attaching to a pid the other is mid-detach from); spec §9 models the
// equivalent constraint (DbgHelp's single-threaded API) as a named
// process-wide mutex, so a single in-process mutex plays the same role
// here.
var dumpMu sync.Mutex

// ErrRootUnreachable is returned by TryDumpTree when the root pid cannot be
// opened at all (spec §4.E: "the whole call fails").
var ErrRootUnreachable = fmt.Errorf("dumper: root process unreachable")

// TryDump writes a full-memory dump of pid to path. If compress is true, it
// first writes an uncompressed dump to a temp file, wraps it in a ZIP using
// the fastest compression level, then removes the temp file.
func TryDump(ctx context.Context, pid int32, path string, compress bool) error {
	dumpMu.Lock()
	defer dumpMu.Unlock()

	target := path
	if compress {
		tmp, err := os.CreateTemp(filepath.Dir(path), ".dump-*")
		if err != nil {
			return fmt.Errorf("dumper: create temp dump file: %w", err)
		}
		tmp.Close()
		target = tmp.Name()
		defer os.Remove(target)
	}

	if err := coreDump(ctx, pid, target); err != nil {
		return fmt.Errorf("dumper: dump pid %d: %w", pid, err)
	}

	if !compress {
		return nil
	}
	if err := zipFile(target, path); err != nil {
		return fmt.Errorf("dumper: compress dump: %w", err)
	}
	return nil
}

// coreDump shells out to gcore if present, falling back to "gdb --batch".
// Both write an ELF core file to outPath without stopping the target
// permanently (gdb detaches once the core is written).
func coreDump(ctx context.Context, pid int32, outPath string) error {
	if _, err := exec.LookPath("gcore"); err == nil {
		cmd := exec.CommandContext(ctx, "gcore", "-o", outPath, fmt.Sprint(pid))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("gcore: %w: %s", err, out)
		}
		// gcore names its output "<outPath>.<pid>"; normalize to exactly
		// outPath so callers (and the tree-dump naming scheme) don't need
		// to know gcore's suffixing convention.
		produced := fmt.Sprintf("%s.%d", outPath, pid)
		if _, err := os.Stat(produced); err == nil {
			return os.Rename(produced, outPath)
		}
		return nil
	}

	gdbCmd := fmt.Sprintf("attach %d\ngcore %s\ndetach\nquit", pid, outPath)
	cmd := exec.CommandContext(ctx, "gdb", "--batch", "-ex", gdbCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gdb: %w: %s", err, out)
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("gdb did not produce a core file: %w", err)
	}
	return nil
}

func zipFile(srcPath, zipPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	zf, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer zf.Close()

	zw := zip.NewWriter(zf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(srcPath),
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		zw.Close()
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
