package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileName is a parsed extract file name:
// <prefix>_<org>_<contentType>_<timestamp>.<ext>
type FileName struct {
	Path        string
	Prefix      string
	Org         string
	ContentType string
	Timestamp   string
	Ext         string
}

// ParseFileName splits an extract file name. The content type may itself
// contain underscores; prefix, org and timestamp may not.
func ParseFileName(path string) (FileName, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	first := strings.Index(stem, "_")
	last := strings.LastIndex(stem, "_")
	if first < 0 || last <= first {
		return FileName{}, false
	}
	second := strings.Index(stem[first+1:], "_")
	if second < 0 {
		return FileName{}, false
	}
	second += first + 1
	if second >= last {
		return FileName{}, false
	}

	fn := FileName{
		Path:        path,
		Prefix:      stem[:first],
		Org:         stem[first+1 : second],
		ContentType: stem[second+1 : last],
		Timestamp:   stem[last+1:],
		Ext:         strings.TrimPrefix(ext, "."),
	}
	if fn.Prefix == "" || fn.Org == "" || fn.ContentType == "" || fn.Timestamp == "" {
		return FileName{}, false
	}
	return fn, true
}

func isCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

// Discover matches paths to the content types the plan's stages read.
// Non-.csv files are ignored. A .csv file whose name does not parse, whose
// content type is unknown or read by no stage, or which duplicates another
// file's content type is an error, as is a batch spanning more than one
// organisation.
func Discover(paths []string, registry *ReaderRegistry, inputs []StageInput) (map[string]FileName, []string, error) {
	wanted := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		wanted[strings.ToLower(canonicalOr(registry, in.ContentType))] = true
	}

	found := make(map[string]FileName)
	var ignored []string
	org := ""

	for _, path := range paths {
		if !isCSV(path) {
			ignored = append(ignored, path)
			continue
		}

		fn, ok := ParseFileName(path)
		if !ok {
			return nil, ignored, &FileFormatError{
				File:   filepath.Base(path),
				Reason: "name does not match <prefix>_<org>_<contentType>_<timestamp>.csv",
			}
		}

		canonical, ok := registry.Canonical(fn.ContentType)
		if !ok {
			return nil, ignored, &FileFormatError{
				File:   filepath.Base(path),
				Reason: fmt.Sprintf("unexpected content type %q", fn.ContentType),
			}
		}
		fn.ContentType = canonical
		if !wanted[strings.ToLower(canonical)] {
			return nil, ignored, &FileFormatError{
				File:   filepath.Base(path),
				Reason: fmt.Sprintf("no stage reads content type %s", canonical),
			}
		}

		if prev, dup := found[canonical]; dup {
			return nil, ignored, &FileFormatError{
				File:   filepath.Base(path),
				Reason: fmt.Sprintf("second %s file in batch (already have %s)", canonical, filepath.Base(prev.Path)),
			}
		}
		if org != "" && !strings.EqualFold(org, fn.Org) {
			return nil, ignored, &FileFormatError{
				File:   filepath.Base(path),
				Reason: fmt.Sprintf("organisation %s differs from %s", fn.Org, org),
			}
		}
		org = fn.Org
		found[canonical] = fn
	}

	return found, ignored, nil
}
