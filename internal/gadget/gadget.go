// Package gadget parses and validates the gadget.yaml partition layout
// specification. Parsing is a pure transformation: the returned Spec is
// immutable for the rest of the build, and every rule violation is reported
// as a *ParseError at parse time, before any filesystem work starts.
package gadget

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
)

// FSType is the filesystem a structure is formatted with.
type FSType int

const (
	FSNone FSType = iota
	FSVfat
	FSExt4
)

func (t FSType) String() string {
	switch t {
	case FSVfat:
		return "vfat"
	case FSExt4:
		return "ext4"
	default:
		return "none"
	}
}

// Content maps a file from the gadget tree into a structure's filesystem.
type Content struct {
	Source string
	Target string
}

// Structure is one partition descriptor within a Volume.
type Structure struct {
	Name            string
	Offset          int64 // bytes, whole-MiB multiple
	Size            int64 // bytes; 0 means "remainder", last structure only
	Type            string
	Role            string
	FilesystemLabel string
	Filesystem      FSType
	Content         []Content
}

// IsBoot reports whether the structure holds the boot filesystem; newer
// specifications mark it with a role, older ones with the filesystem label.
func (s *Structure) IsBoot() bool {
	return s.Role == "system-boot" || s.FilesystemLabel == "system-boot"
}

// TypeGUID returns the GPT type GUID of the structure. Hybrid
// "legacycode,GUID" declarations yield the GUID half.
func (s *Structure) TypeGUID() string {
	if i := strings.IndexByte(s.Type, ','); i != -1 {
		return s.Type[i+1:]
	}
	return s.Type
}

// Volume is an ordered set of structures. Structures keep their declaration
// order here; consumers that need disk order sort by offset themselves.
type Volume struct {
	Bootloader string
	Schema     string
	Structures []Structure
}

// Spec is the parsed layout specification.
type Spec struct {
	Volumes map[string]*Volume
}

// ParseError reports an invalid layout specification. Index is the offending
// structure's position in its volume, or -1 for volume-level problems.
type ParseError struct {
	Volume string
	Index  int
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("gadget.yaml: volume %s: %s", e.Volume, e.Msg)
	}
	return fmt.Sprintf("gadget.yaml: volume %s, structure #%d: %s", e.Volume, e.Index, e.Msg)
}

// yaml wire format

type yamlSpec struct {
	Volumes map[string]yamlVolume `yaml:"volumes"`
}

type yamlVolume struct {
	Bootloader string          `yaml:"bootloader"`
	Schema     string          `yaml:"schema"`
	Structure  []yamlStructure `yaml:"structure"`
}

type yamlStructure struct {
	Name            string        `yaml:"name"`
	Offset          string        `yaml:"offset"`
	Size            string        `yaml:"size"`
	Type            string        `yaml:"type"`
	Role            string        `yaml:"role"`
	Filesystem      string        `yaml:"filesystem"`
	FilesystemLabel string        `yaml:"filesystem-label"`
	Content         []yamlContent `yaml:"content"`
}

type yamlContent struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

var (
	legacyTypeRe = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)
)

// ParseFile reads and parses the layout specification at path.
func ParseFile(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a layout specification and validates it. The returned error
// is a *ParseError for any violated layout rule.
func Parse(r io.Reader) (*Spec, error) {
	var raw yamlSpec
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("gadget.yaml: %v", err)
	}
	if len(raw.Volumes) == 0 {
		return nil, &ParseError{Volume: "?", Index: -1, Msg: "no volumes defined"}
	}
	spec := &Spec{Volumes: make(map[string]*Volume, len(raw.Volumes))}
	for name, rv := range raw.Volumes {
		vol, err := parseVolume(name, rv)
		if err != nil {
			return nil, err
		}
		spec.Volumes[name] = vol
	}
	return spec, nil
}

func parseVolume(name string, rv yamlVolume) (*Volume, error) {
	if len(rv.Structure) == 0 {
		return nil, &ParseError{Volume: name, Index: -1, Msg: "at least one structure is required"}
	}
	vol := &Volume{
		Bootloader: rv.Bootloader,
		Schema:     rv.Schema,
		Structures: make([]Structure, 0, len(rv.Structure)),
	}
	nextOffset := datasizes.MiB
	for i, rs := range rv.Structure {
		s, err := parseStructure(name, i, rs, nextOffset)
		if err != nil {
			return nil, err
		}
		if s.Size == 0 && i != len(rv.Structure)-1 {
			return nil, &ParseError{Volume: name, Index: i,
				Msg: "only the last structure may omit its size"}
		}
		nextOffset = roundUpMiB(s.Offset + s.Size)
		vol.Structures = append(vol.Structures, s)
	}
	if err := checkOverlaps(name, vol.Structures); err != nil {
		return nil, err
	}
	return vol, nil
}

func parseStructure(vol string, i int, rs yamlStructure, defaultOffset int64) (Structure, error) {
	var s Structure
	s.Name = rs.Name
	s.Type = rs.Type
	s.Role = rs.Role

	if rs.Type == "" {
		return s, &ParseError{Volume: vol, Index: i, Msg: "missing structure type"}
	}
	if err := checkType(rs.Type); err != nil {
		return s, &ParseError{Volume: vol, Index: i, Msg: err.Error()}
	}

	s.Offset = defaultOffset
	if rs.Offset != "" {
		off, err := datasizes.ParseSize(rs.Offset)
		if err != nil {
			return s, &ParseError{Volume: vol, Index: i, Msg: fmt.Sprintf("offset: %v", err)}
		}
		s.Offset = off
	}
	if s.Offset%datasizes.MiB != 0 {
		return s, &ParseError{Volume: vol, Index: i,
			Msg: fmt.Sprintf("offset %d is not a multiple of 1MiB", s.Offset)}
	}

	if rs.Size != "" {
		size, err := datasizes.ParseSize(rs.Size)
		if err != nil {
			return s, &ParseError{Volume: vol, Index: i, Msg: fmt.Sprintf("size: %v", err)}
		}
		s.Size = size
	}

	switch rs.Filesystem {
	case "", "none":
		s.Filesystem = FSNone
	case "vfat":
		s.Filesystem = FSVfat
	case "ext4":
		s.Filesystem = FSExt4
	default:
		return s, &ParseError{Volume: vol, Index: i,
			Msg: fmt.Sprintf("unsupported filesystem %q", rs.Filesystem)}
	}
	s.FilesystemLabel = rs.FilesystemLabel

	for _, c := range rs.Content {
		if c.Source == "" || c.Target == "" {
			return s, &ParseError{Volume: vol, Index: i, Msg: "content entry needs source and target"}
		}
		if filepath.IsAbs(c.Target) {
			return s, &ParseError{Volume: vol, Index: i,
				Msg: fmt.Sprintf("content target %q must be relative", c.Target)}
		}
		s.Content = append(s.Content, Content{Source: c.Source, Target: c.Target})
	}
	return s, nil
}

// checkType accepts the literal "mbr", a two-hex-digit legacy partition
// code, a GPT type GUID, or a hybrid "code,GUID" pair.
func checkType(t string) error {
	if t == "mbr" {
		return nil
	}
	legacy, guid := t, ""
	if i := strings.IndexByte(t, ','); i != -1 {
		legacy, guid = t[:i], t[i+1:]
	} else if len(t) > 2 {
		legacy, guid = "", t
	}
	if legacy != "" && !legacyTypeRe.MatchString(legacy) {
		return fmt.Errorf("invalid partition type %q", t)
	}
	if guid != "" {
		if _, err := uuid.Parse(guid); err != nil {
			return fmt.Errorf("invalid partition type GUID %q", guid)
		}
	}
	return nil
}

func checkOverlaps(vol string, structures []Structure) error {
	idx := make([]int, len(structures))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return structures[idx[a]].Offset < structures[idx[b]].Offset
	})
	for k := 0; k+1 < len(idx); k++ {
		cur, next := &structures[idx[k]], &structures[idx[k+1]]
		if cur.Offset+cur.Size > next.Offset {
			return &ParseError{Volume: vol, Index: idx[k+1],
				Msg: fmt.Sprintf("structure overlaps with structure #%d", idx[k])}
		}
	}
	return nil
}

func roundUpMiB(n int64) int64 {
	return (n + datasizes.MiB - 1) / datasizes.MiB * datasizes.MiB
}
