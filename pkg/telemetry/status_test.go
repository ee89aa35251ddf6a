package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusV2 = `TITLE,OpenVPN 2.6.8 x86_64-pc-linux-gnu
TIME,2024-03-01 10:00:05,1709287205
HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID,Data Channel Cipher
CLIENT_LIST,alice,203.0.113.7:51820,10.8.0.2,,100,250,2024-03-01 09:58:00,1709287080,UNDEF,0,0,AES-256-GCM
CLIENT_LIST,UNDEF,198.51.100.9:1194,,,0,0,2024-03-01 10:00:01,1709287201,UNDEF,1,1,none
CLIENT_LIST,bob,198.51.100.4:40000,10.8.0.3,,5000,7000,2024-03-01 09:00:00,1709283600,UNDEF,2,2,AES-256-GCM
HEADER,ROUTING_TABLE,Virtual Address,Common Name,Real Address,Last Ref,Last Ref (time_t)
ROUTING_TABLE,10.8.0.2,alice,203.0.113.7:51820,2024-03-01 10:00:04,1709287204
GLOBAL_STATS,Max bcast/mcast queue length,0
END
`

func TestParseStatusWithHeader(t *testing.T) {
	rows, err := ParseStatus(strings.NewReader(statusV2))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "alice", rows[0].ClientID)
	assert.Equal(t, "203.0.113.7:51820", rows[0].RealAddress)
	assert.Equal(t, "10.8.0.2", rows[0].VirtualAddress)
	assert.Equal(t, uint64(100), rows[0].BytesReceived)
	assert.Equal(t, uint64(250), rows[0].BytesSent)
	assert.Equal(t, time.Unix(1709287080, 0).UTC(), rows[0].ConnectedSince)
	assert.Equal(t, "bob", rows[1].ClientID)
}

func TestParseStatusDefaultLayout(t *testing.T) {
	in := "CLIENT_LIST,carol,192.0.2.1:1000,10.8.0.9,42,84,Fri Mar  1 09:00:00 2024,1709283600,carol\n" +
		"CLIENT_LIST,broken,192.0.2.2:1000,10.8.0.10,x,1,Fri Mar  1 09:00:00 2024\n"
	rows, err := ParseStatus(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "carol", rows[0].ClientID)
	assert.Equal(t, uint64(42), rows[0].BytesReceived)
	assert.Equal(t, uint64(84), rows[0].BytesSent)
}

func TestDelta(t *testing.T) {
	assert.Equal(t, uint64(150), Delta(100, 250))
	assert.Equal(t, uint64(80), Delta(250, 80))
	assert.Equal(t, uint64(0), Delta(7, 7))
}
