package shm

import (
	"fmt"
	"io"
	"sort"

	"github.com/valyala/bytebufferpool"

	internalshm "github.com/srediag/rtcore/internal/shm"
)

// SegmentInfo describes a segment as seen from its header, without attaching.
type SegmentInfo struct {
	Name            string
	Size            uint64
	Version         uint32
	Creator         uint32
	Attach          uint64
	Attachers       []uint32
	Ready           bool
	Dead            bool
	CreatorReleased bool
}

// Inspect lists the POSIX segments under dir carrying prefix.
func Inspect(dir, prefix string) ([]SegmentInfo, error) {
	store := internalshm.NewPosixStore(dir, prefix)
	names, err := store.List()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	infos := make([]SegmentInfo, 0, len(names))
	for _, name := range names {
		raw, err := store.ReadHeader(name)
		if err != nil {
			// still being sized by its creator
			infos = append(infos, SegmentInfo{Name: name})
			continue
		}
		infos = append(infos, infoOf(name, internalshm.HeaderOf(raw)))
	}
	return infos, nil
}

// Info returns the header state of the segment behind h.
func (h *Handle) Info() SegmentInfo {
	if h.released.Load() {
		return SegmentInfo{Name: h.key.String()}
	}
	return infoOf(h.key.String(), internalshm.HeaderOf(h.region.Mem))
}

func infoOf(name string, hdr internalshm.Header) SegmentInfo {
	return SegmentInfo{
		Name:            name,
		Size:            hdr.Size(),
		Version:         hdr.Version(),
		Creator:         hdr.Creator(),
		Attach:          hdr.Attach(),
		Attachers:       hdr.Slots(),
		Ready:           hdr.Ready(),
		Dead:            hdr.Dead(),
		CreatorReleased: hdr.CreatorReleased(),
	}
}

func (i SegmentInfo) state() string {
	switch {
	case i.Dead:
		return "dead"
	case i.Ready:
		return "ready"
	default:
		return "initialising"
	}
}

// Describe writes a table of infos to w.
func Describe(w io.Writer, infos []SegmentInfo) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "%-32s %-12s %10s %8s %7s %s\n", "NAME", "STATE", "SIZE", "CREATOR", "ATTACH", "PIDS")
	for _, i := range infos {
		creator := fmt.Sprint(i.Creator)
		if i.CreatorReleased {
			creator += "*"
		}
		fmt.Fprintf(buf, "%-32s %-12s %10d %8s %7d %v\n", i.Name, i.state(), i.Size, creator, i.Attach, i.Attachers)
	}
	_, err := buf.WriteTo(w)
	return err
}

// Dump writes a hex dump of the first n data bytes of h to w.
func Dump(w io.Writer, h *Handle, n int) error {
	data := h.Bytes()
	if n <= 0 || n > len(data) {
		n = len(data)
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for off := 0; off < n; off += 16 {
		end := min(off+16, n)
		fmt.Fprintf(buf, "%08x ", off)
		for j := off; j < off+16; j++ {
			if j < end {
				fmt.Fprintf(buf, " %02x", data[j])
			} else {
				_, _ = buf.WriteString("   ")
			}
		}
		_, _ = buf.WriteString("  |")
		for _, c := range data[off:end] {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			_ = buf.WriteByte(c)
		}
		_, _ = buf.WriteString("|\n")
	}
	_, err := buf.WriteTo(w)
	return err
}
