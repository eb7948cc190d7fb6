// Package recordfile loads local records from YAML, JSON, TOML and
// hosts-format files.
//
// Structured files carry a single top-level list:
//
//	records:
//	  - domain: router.lan
//	    ip: 192.168.1.1
//	  - domain: "*.dev.lan"
//	    ip: 10.0.0.5
//
// Files named "hosts" or ending in ".hosts" use /etc/hosts syntax instead.
package recordfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/common/utils"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

// ErrUnsupportedFormat is returned when a file is named explicitly but its
// extension has no parser.
var ErrUnsupportedFormat = errors.New("unsupported record file format")

// Entry is one element of the records list.
type Entry struct {
	Domain string `koanf:"domain" validate:"required"`
	IP     string `koanf:"ip" validate:"required,ipv4"`
}

var validate = validator.New()

// LoadPath loads records from a single file, or from every supported file
// under a directory. Files are read in lexical order and records keep the
// order they appear in, so later duplicates win when stored.
func LoadPath(path string) ([]domain.DomainRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("record path %s: %w", path, err)
	}
	if !info.IsDir() {
		if !supported(path) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
		}
		return LoadFile(path)
	}

	var out []domain.DomainRecord
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !supported(p) {
			return nil
		}
		recs, err := LoadFile(p)
		if err != nil {
			return err
		}
		out = append(out, recs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadFile parses one record file. The parser is chosen by extension.
func LoadFile(path string) ([]domain.DomainRecord, error) {
	if isHostsFile(path) {
		return loadHostsFile(path)
	}
	parser := parserFor(path)
	if parser == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load record file %s: %w", path, err)
	}

	var entries []Entry
	if err := k.Unmarshal("records", &entries); err != nil {
		return nil, fmt.Errorf("failed to decode records in %s: %w", path, err)
	}

	records := make([]domain.DomainRecord, 0, len(entries))
	for i, e := range entries {
		rec, err := entryToRecord(e)
		if err != nil {
			return nil, fmt.Errorf("invalid record %d in %s: %w", i, path, err)
		}
		warnPublicSuffix(rec, path)
		records = append(records, rec)
	}

	log.Debug(map[string]any{
		"file":    path,
		"records": len(records),
	}, "Loaded record file")
	return records, nil
}

func entryToRecord(e Entry) (domain.DomainRecord, error) {
	e.Domain = strings.TrimSpace(e.Domain)
	e.IP = strings.TrimSpace(e.IP)
	if err := validate.Struct(e); err != nil {
		return domain.DomainRecord{}, err
	}
	return domain.ParseDomainRecord(e.Domain, e.IP)
}

func warnPublicSuffix(rec domain.DomainRecord, path string) {
	if rec.IsWildcard() && utils.IsPublicSuffix(rec.Suffix()) {
		log.Warn(map[string]any{
			"pattern": rec.Pattern,
			"file":    path,
		}, "Wildcard covers a public suffix")
	}
}

func supported(path string) bool {
	return isHostsFile(path) || parserFor(path) != nil
}

func isHostsFile(path string) bool {
	return filepath.Base(path) == "hosts" || strings.EqualFold(filepath.Ext(path), ".hosts")
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".json":
		return json.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return nil
	}
}
