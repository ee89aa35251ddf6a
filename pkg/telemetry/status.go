package telemetry

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"ovpn-node/pkg/model"
)

// Placeholder is the common name openvpn reports for a client that has not
// finished the TLS handshake.
const Placeholder = "UNDEF"

const sinceLayout = "Mon Jan _2 15:04:05 2006"

type columns struct {
	id, real, virt, rx, tx, since, sinceUnix int
}

// defaultColumns match the status-version 2 layout without the IPv6 column.
var defaultColumns = columns{id: 1, real: 2, virt: 3, rx: 4, tx: 5, since: 6, sinceUnix: 7}

// ParseStatus reads CLIENT_LIST rows from an openvpn status file. A
// HEADER,CLIENT_LIST line, when present, overrides the default column layout.
// Rows that cannot be parsed are skipped.
func ParseStatus(r io.Reader) ([]model.ClientStats, error) {
	cols := defaultColumns
	var out []model.ClientStats
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		fields := strings.Split(line, ",")
		if len(fields) > 2 && fields[0] == "HEADER" && fields[1] == "CLIENT_LIST" {
			cols = headerColumns(fields[1:])
			continue
		}
		if fields[0] != "CLIENT_LIST" {
			continue
		}
		c, ok := parseRow(fields, cols)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, sc.Err()
}

func headerColumns(names []string) columns {
	cols := columns{id: -1, real: -1, virt: -1, rx: -1, tx: -1, since: -1, sinceUnix: -1}
	for i, n := range names {
		switch n {
		case "Common Name":
			cols.id = i
		case "Real Address":
			cols.real = i
		case "Virtual Address":
			cols.virt = i
		case "Bytes Received":
			cols.rx = i
		case "Bytes Sent":
			cols.tx = i
		case "Connected Since":
			cols.since = i
		case "Connected Since (time_t)", "Connected Since (time_t) ":
			cols.sinceUnix = i
		}
	}
	if cols.id < 0 || cols.rx < 0 || cols.tx < 0 {
		return defaultColumns
	}
	return cols
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func parseRow(fields []string, cols columns) (model.ClientStats, bool) {
	id := field(fields, cols.id)
	if id == "" || id == Placeholder {
		return model.ClientStats{}, false
	}
	rx, err := strconv.ParseUint(field(fields, cols.rx), 10, 64)
	if err != nil {
		return model.ClientStats{}, false
	}
	tx, err := strconv.ParseUint(field(fields, cols.tx), 10, 64)
	if err != nil {
		return model.ClientStats{}, false
	}
	c := model.ClientStats{
		ClientID:       id,
		RealAddress:    field(fields, cols.real),
		VirtualAddress: field(fields, cols.virt),
		BytesReceived:  rx,
		BytesSent:      tx,
	}
	if sec, err := strconv.ParseInt(field(fields, cols.sinceUnix), 10, 64); err == nil && sec > 0 {
		c.ConnectedSince = time.Unix(sec, 0).UTC()
	} else if ts, err := time.ParseInLocation(sinceLayout, field(fields, cols.since), time.Local); err == nil {
		c.ConnectedSince = ts
	}
	return c, true
}

// Delta returns the bytes accrued between two cumulative readings. A decrease
// means the counter was reset, so the whole new reading counts.
func Delta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
