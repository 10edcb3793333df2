package back

import (
	"strings"

	"tlog.app/go/errors"
)

var featureNames = []struct {
	name string
	f    Features
}{
	{"fma", FMA},
	{"sse41", SSE41},
	{"avx", AVX},
}

var flagNames = []struct {
	name string
	f    Flags
}{
	{"bindings", EntryBindings},
}

func (f Features) String() string {
	if f == 0 {
		return "none"
	}

	var b strings.Builder

	for _, n := range featureNames {
		if f&n.f == 0 {
			continue
		}

		if b.Len() != 0 {
			b.WriteByte(',')
		}

		b.WriteString(n.name)
	}

	return b.String()
}

// ParseFeatures parses a comma separated list of extensions.
func ParseFeatures(s string) (f Features, err error) {
	for _, w := range strings.Split(s, ",") {
		w = strings.TrimSpace(w)

		if w == "" || w == "none" {
			continue
		}

		found := false

		for _, n := range featureNames {
			if n.name == w {
				f |= n.f
				found = true
			}
		}

		if !found {
			return 0, errors.New("unknown host feature: %q", w)
		}
	}

	return f, nil
}

func (f Features) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

func (f *Features) UnmarshalText(b []byte) (err error) {
	*f, err = ParseFeatures(string(b))
	return err
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var b strings.Builder

	for _, n := range flagNames {
		if f&n.f == 0 {
			continue
		}

		if b.Len() != 0 {
			b.WriteByte(',')
		}

		b.WriteString(n.name)
	}

	return b.String()
}

// ParseFlags parses a comma separated list of host optimizations.
// default selects DefaultFlags.
func ParseFlags(s string) (f Flags, err error) {
	for _, w := range strings.Split(s, ",") {
		w = strings.TrimSpace(w)

		switch w {
		case "", "none":
			continue
		case "default":
			f |= DefaultFlags
			continue
		}

		found := false

		for _, n := range flagNames {
			if n.name == w {
				f |= n.f
				found = true
			}
		}

		if !found {
			return 0, errors.New("unknown host optimization: %q", w)
		}
	}

	return f, nil
}

func (f Flags) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

func (f *Flags) UnmarshalText(b []byte) (err error) {
	*f, err = ParseFlags(string(b))
	return err
}
