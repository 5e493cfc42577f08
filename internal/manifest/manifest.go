// Package manifest parses the tab-separated input manifest. Each line
// names one input unit: an unpaired source (URL, optional MD5, label) or a
// paired source (two URL/MD5 pairs and a label). Labels follow the
// group-biorep-techrep convention.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/seqmr/seqmr/pkg/core"
)

var (
	labelPattern = regexp.MustCompile(`^[A-Za-z0-9]+-[A-Za-z0-9]+-[A-Za-z0-9]+$`)
	md5Pattern   = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// Entry is one unit of input. URL2 is empty for unpaired entries.
type Entry struct {
	URL1  string
	MD51  string
	URL2  string
	MD52  string
	Label string
	Line  int
}

func (e Entry) Paired() bool {
	return e.URL2 != ""
}

// Record encodes the entry as the single record of its initial partition:
// key is the sample label, value is the tab-joined URL list.
func (e Entry) Record() core.Record {
	urls := e.URL1
	if e.Paired() {
		urls += "\t" + e.URL2
	}
	return core.Record{Key: []byte(e.Label), Value: []byte(urls)}
}

// ParseFile reads and validates a manifest. Any malformed line is a
// configuration error; nothing is submitted before the whole file checks
// out.
func ParseFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, core.ConfigWrap(err, "opening manifest %s", path)
	}
	defer file.Close()
	return Parse(file)
}

func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var entries []Entry
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		entry, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, core.ConfigWrap(err, "reading manifest")
	}
	if len(entries) == 0 {
		return nil, core.Configf("manifest contains no input units")
	}
	return entries, nil
}

func parseLine(line string, lineNo int) (Entry, error) {
	fields := strings.Split(line, "\t")

	var entry Entry
	entry.Line = lineNo

	switch len(fields) {
	case 3:
		entry.URL1, entry.MD51, entry.Label = fields[0], fields[1], fields[2]
	case 5:
		entry.URL1, entry.MD51 = fields[0], fields[1]
		entry.URL2, entry.MD52 = fields[2], fields[3]
		entry.Label = fields[4]
	default:
		return Entry{}, core.Configf(
			"manifest line %d: expected 3 fields (unpaired) or 5 fields (paired), got %d", lineNo, len(fields))
	}

	if entry.URL1 == "" {
		return Entry{}, core.Configf("manifest line %d: empty source URL", lineNo)
	}
	if entry.Paired() && entry.URL2 == entry.URL1 {
		return Entry{}, core.Configf("manifest line %d: paired entry repeats the same URL", lineNo)
	}
	for _, md5 := range []string{entry.MD51, entry.MD52} {
		if err := checkMD5(md5); err != nil {
			return Entry{}, core.Configf("manifest line %d: %v", lineNo, err)
		}
	}
	if !labelPattern.MatchString(entry.Label) {
		return Entry{}, core.Configf(
			"manifest line %d: label %q does not match group-biorep-techrep", lineNo, entry.Label)
	}
	return entry, nil
}

// checkMD5 accepts an empty field or literal 0 as "no checksum".
func checkMD5(md5 string) error {
	if md5 == "" || md5 == "0" {
		return nil
	}
	if !md5Pattern.MatchString(md5) {
		return fmt.Errorf("malformed MD5 %q", md5)
	}
	return nil
}
