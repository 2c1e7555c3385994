package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"go.uber.org/multierr"

	internalshm "github.com/srediag/rtcore/internal/shm"
	"github.com/srediag/rtcore/pkg/shm"
)

func inspectCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	dir := fs.String("dir", internalshm.DefaultDir, "POSIX shared memory directory")
	prefix := fs.String("prefix", "rtcore.", "segment name prefix")
	dump := fs.String("dump", "", "attach to this segment and hex dump its data")
	n := fs.Int("n", 256, "bytes to dump")
	if err := fs.Parse(args); err != nil {
		return err
	}

	infos, err := shm.Inspect(*dir, *prefix)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintf(out, "no segments under %s with prefix %q\n", *dir, *prefix)
	} else if err := shm.Describe(out, infos); err != nil {
		return err
	}
	if *dump == "" {
		return nil
	}
	return dumpSegment(out, *dir, *prefix, *dump, *n)
}

// dumpSegment attaches to a listed segment with the size from its header,
// dumps it and detaches.
func dumpSegment(out io.Writer, dir, prefix, name string, n int) error {
	infos, err := shm.Inspect(dir, prefix)
	if err != nil {
		return err
	}
	var size int
	for _, info := range infos {
		if info.Name == name && info.Ready && !info.Dead {
			size = int(info.Size)
		}
	}
	if size == 0 {
		return fmt.Errorf("segment %q not found or not ready", name)
	}

	reg := shm.NewRegistry(internalshm.NewPosixStore(dir, prefix))
	h, err := reg.OpenOrCreate(context.Background(), shm.ObjectKey(name), size)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s (%d bytes, %d attached)\n", name, h.Size(), h.AttachCount())
	err = shm.Dump(out, h, n)
	return multierr.Append(err, h.Release())
}
