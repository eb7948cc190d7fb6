package recordfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

const utf8BOM = "\uFEFF"

func loadHostsFile(path string) ([]domain.DomainRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load record file %s: %w", path, err)
	}
	defer f.Close()

	records, err := ParseHosts(f, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file %s: %w", path, err)
	}
	for _, rec := range records {
		warnPublicSuffix(rec, path)
	}
	log.Debug(map[string]any{
		"file":    path,
		"records": len(records),
	}, "Loaded hosts file")
	return records, nil
}

// ParseHosts reads /etc/hosts-style lines ("<ipv4> <name> [name...]") into
// records.
//
// Rules:
//   - blank lines and '#' comments (whole-line or trailing) are skipped
//   - lines whose address is not IPv4 are skipped, so "::1 localhost" is ignored
//   - "*.suffix" names become wildcard records; names starting with '.' are skipped
//   - the first address seen for a name wins, as with the resolver's hosts lookup
func ParseHosts(r io.Reader, source string) ([]domain.DomainRecord, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	var out []domain.DomainRecord

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 {
			line = strings.TrimPrefix(line, utf8BOM)
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		addr, err := domain.ParseAddress(fields[0])
		if err != nil {
			log.Debug(map[string]any{"source": source, "line": lineNum, "addr": fields[0]}, "hosts_skip_non_ipv4")
			continue
		}

		for _, raw := range fields[1:] {
			if strings.HasPrefix(raw, ".") {
				log.Debug(map[string]any{"source": source, "line": lineNum, "raw": raw}, "hosts_skip_invalid_token")
				continue
			}
			rec, err := domain.NewDomainRecord(raw, addr)
			if err != nil {
				log.Debug(map[string]any{"source": source, "line": lineNum, "raw": raw, "error": err.Error()}, "hosts_skip_invalid_token")
				continue
			}
			if _, dup := seen[rec.Pattern]; dup {
				continue
			}
			seen[rec.Pattern] = struct{}{}
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
