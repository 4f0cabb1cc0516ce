package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsn-monitor/internal/archive"
	"github.com/JakeFAU/dsn-monitor/internal/parser"
	"github.com/JakeFAU/dsn-monitor/internal/source"
)

const primaryXML = `<?xml version="1.0" encoding="utf-8"?>
<dsn>
  <station name="mdscc"/>
  <dish name="DSS63" azimuthAngle="120.5" elevationAngle="33.2">
    <downSignal active="true" signalType="data" dataRate="160" frequency="8420000000" power="-151.5" spacecraft="VGR1"/>
    <target name="VGR1" uplegRange="2.4e13" downlegRange="2.4e13"/>
  </dish>
</dsn>`

const backupHTML = `<html><body><table>
<tr><th>Spacecraft</th><th>Antenna</th><th>Signal</th></tr>
<tr><td>MRO</td><td>DSS14</td><td>12.3 dBm</td></tr>
<tr><td>JNO</td><td>DSS25</td><td>n/a</td></tr>
</table></body></html>`

type fakeFetcher struct {
	primary       source.Response
	primaryErr    error
	backup        source.Response
	backupErr     error
	primaryCalls  int
	backupCalls   int
	lastPrimary   string
	lastBackupURL string
}

func (f *fakeFetcher) Fetch(_ context.Context, endpoint string) (source.Response, error) {
	f.primaryCalls++
	f.lastPrimary = endpoint
	return f.primary, f.primaryErr
}

func (f *fakeFetcher) FetchBackup(_ context.Context, endpoint string) (source.Response, error) {
	f.backupCalls++
	f.lastBackupURL = endpoint
	return f.backup, f.backupErr
}

type recordingBlobs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *recordingBlobs) PutObject(_ context.Context, obj archive.Object, body io.Reader) (string, error) {
	key := obj.Key
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.keys = append(r.keys, key)
	return "mem://" + key, nil
}

var fixedNow = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func newTestCollector(cfg Config, f Fetcher, opts ...Option) *Collector {
	if cfg.PrimaryEndpoint == "" {
		cfg.PrimaryEndpoint = "https://dsn.example.com/dsn.xml"
	}
	if cfg.BackupEndpoint == "" {
		cfg.BackupEndpoint = "https://dsn.example.com/dsn.html"
	}
	clock := func() time.Time { return fixedNow }
	base := []Option{
		WithClock(clock),
		WithIDGenerator(func() string { return "cycle-1" }),
	}
	return New(cfg, f, parser.New(parser.WithClock(clock)), append(base, opts...)...)
}

func TestCollectUsesPrimary(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{primary: source.Response{Body: []byte(primaryXML), ContentType: "text/xml"}}
	c := newTestCollector(Config{}, f)

	var stages []Stage
	batch, err := c.Collect(context.Background(), func(s Stage) { stages = append(stages, s) })
	require.NoError(t, err)
	require.Equal(t, "cycle-1", batch.CycleID)
	require.Equal(t, SourcePrimary, batch.Source)
	require.Equal(t, parser.FormatMarkup, batch.Format)
	require.Equal(t, fixedNow, batch.FetchedAt)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "VGR1", batch.Records[0].Spacecraft)
	require.Equal(t, "DSS63", batch.Records[0].AntennaID)
	require.Zero(t, f.backupCalls)
	require.Equal(t, []Stage{StageFetching, StageParsing}, stages)
	require.Equal(t, "https://dsn.example.com/dsn.xml", f.lastPrimary)
}

func TestCollectFallsBackOnTransportError(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		primaryErr: &source.TransportError{Endpoint: "primary", StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
		backup:     source.Response{Body: []byte(backupHTML), ContentType: "text/html"},
	}
	c := newTestCollector(Config{}, f)

	batch, err := c.Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, SourceBackup, batch.Source)
	require.Equal(t, parser.FormatHTML, batch.Format)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "MRO", batch.Records[0].Spacecraft)
	require.InDelta(t, 12.3, batch.Records[0].SignalStrength, 1e-9)
	require.Equal(t, 1, batch.Skipped)
	require.Equal(t, 1, f.backupCalls)
}

func TestCollectFallsBackWhenPrimaryUndecodable(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		primary: source.Response{Body: []byte(`[1,2,3]`), ContentType: "application/json"},
		backup:  source.Response{Body: []byte(backupHTML)},
	}
	c := newTestCollector(Config{}, f)

	batch, err := c.Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, SourceBackup, batch.Source)
	require.Equal(t, 1, f.backupCalls)
}

func TestCollectEmptyPrimaryPolicy(t *testing.T) {
	t.Parallel()

	empty := source.Response{Body: []byte(`<?xml version="1.0"?><dsn></dsn>`), ContentType: "text/xml"}

	f := &fakeFetcher{primary: empty, backup: source.Response{Body: []byte(backupHTML)}}
	batch, err := newTestCollector(Config{}, f).Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, SourcePrimary, batch.Source)
	require.Empty(t, batch.Records)
	require.Zero(t, f.backupCalls)

	f = &fakeFetcher{primary: empty, backup: source.Response{Body: []byte(backupHTML)}}
	batch, err = newTestCollector(Config{FallbackOnEmpty: true}, f).Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, SourceBackup, batch.Source)
	require.Len(t, batch.Records, 1)
}

func TestCollectFailsWhenBothFeedsFail(t *testing.T) {
	t.Parallel()

	primaryErr := &source.TransportError{Endpoint: "p", Err: errors.New("timeout")}
	backupErr := &source.TransportError{Endpoint: "b", StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}
	f := &fakeFetcher{primaryErr: primaryErr, backupErr: backupErr}

	batch, err := newTestCollector(Config{}, f).Collect(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, "cycle-1", batch.CycleID)
	require.Empty(t, batch.Records)
	require.ErrorIs(t, err, primaryErr)
	require.ErrorIs(t, err, backupErr)

	var te *source.TransportError
	require.ErrorAs(t, err, &te)
}

func TestCollectArchivesBodies(t *testing.T) {
	t.Parallel()

	blobs := &recordingBlobs{}
	f := &fakeFetcher{
		primaryErr: errors.New("refused"),
		backup:     source.Response{Body: []byte(backupHTML), ContentType: "text/html"},
	}
	c := newTestCollector(Config{}, f, WithArchiver(archive.New(blobs, "raw")))

	_, err := c.Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"raw/2026/02/03/cycle-1-backup.html"}, blobs.keys)
}

func TestCollectIgnoresArchiveFailure(t *testing.T) {
	t.Parallel()

	blobs := &recordingBlobs{err: errors.New("bucket gone")}
	f := &fakeFetcher{primary: source.Response{Body: []byte(primaryXML), ContentType: "text/xml"}}
	c := newTestCollector(Config{}, f, WithArchiver(archive.New(blobs, "raw")))

	batch, err := c.Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
}

func TestNewCycleIDIsVersion7(t *testing.T) {
	t.Parallel()

	id := NewCycleID()
	require.Len(t, id, 36)
	require.Equal(t, byte('7'), id[14])
}

func TestBatchCloneIsDeep(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{primary: source.Response{Body: []byte(primaryXML), ContentType: "text/xml"}}
	batch, err := newTestCollector(Config{}, f).Collect(context.Background(), nil)
	require.NoError(t, err)

	clone := batch.Clone()
	clone.Records[0].Spacecraft = "changed"
	*clone.Records[0].Azimuth = 0
	require.Equal(t, "VGR1", batch.Records[0].Spacecraft)
	require.InDelta(t, 120.5, *batch.Records[0].Azimuth, 1e-9)
}
