package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsn-monitor/internal/record"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestParser() *Parser {
	return New(WithClock(func() time.Time { return fixedNow }))
}

const dsnXML = `<?xml version="1.0" encoding="utf-8"?>
<dsn>
  <station name="gdscc" friendlyName="Goldstone"/>
  <dish name="DSS14" azimuthAngle="120.5" elevationAngle="null" windSpeed="5">
    <upSignal active="true" signalType="data" dataRate="2000" frequency="7100" power="18" spacecraft="VGR1"/>
    <downSignal active="true" signalType="data" dataRate="160" frequency="8420000000" power="-155.3" spacecraft="VGR1"/>
    <downSignal active="true" signalType="carrier" dataRate="" frequency="8420000000" power="-150" spacecraft="VGR1"/>
    <downSignal active="false" signalType="data" dataRate="40" frequency="8420000000" power="-160" spacecraft="VGR1"/>
    <target name="VGR1" id="31" uplegRange="0" downlegRange="500000" rtlt="1"/>
  </dish>
  <dish name="DSS43" azimuthAngle="" elevationAngle="45.2">
    <downSignal active="true" signalType="data" dataRate="none" frequency="" power="" spacecraft="MRO"/>
    <downSignal active="true" signalType="data" dataRate="6000000" frequency="8439000000" power="-120" spacecraft="MRO"/>
    <target name="MRO" id="74" uplegRange="400000" downlegRange="600000" rtlt="2"/>
  </dish>
  <dish name="DSS63" azimuthAngle="10" elevationAngle="20">
    <downSignal active="true" signalType="data" dataRate="10" frequency="1" power="-1"/>
  </dish>
  <dish name="DSS65" azimuthAngle="10" elevationAngle="20">
    <downSignal active="true" signalType="none"/>
  </dish>
</dsn>`

func TestDecodeMarkup(t *testing.T) {
	t.Parallel()

	res, err := newTestParser().Decode([]byte(dsnXML), "application/xml")
	require.NoError(t, err)
	require.Equal(t, FormatMarkup, res.Format)
	require.Empty(t, res.Rejected)
	// One qualifying signal on DSS14, two on DSS43, one on DSS63, none on DSS65.
	require.Len(t, res.Records, 4)

	voyager := res.Records[0]
	require.Equal(t, fixedNow, voyager.Timestamp)
	require.Equal(t, "VGR1", voyager.Spacecraft)
	require.Equal(t, "DSS14", voyager.AntennaID)
	require.Equal(t, -155.3, voyager.SignalStrength)
	require.Equal(t, 160.0, *voyager.DataRate)
	require.Equal(t, 8420000000.0, *voyager.Frequency)
	require.Equal(t, 120.5, *voyager.Azimuth)
	require.Nil(t, voyager.Elevation)
	require.Equal(t, 500000.0, *voyager.SpacecraftRange)
	require.Equal(t, "500.00 km", voyager.RangeDisplay)
	require.Zero(t, voyager.CommunicationDuration)

	sparse := res.Records[1]
	require.Equal(t, "MRO", sparse.Spacecraft)
	require.Nil(t, sparse.DataRate)
	require.Nil(t, sparse.Frequency)
	require.Nil(t, sparse.Azimuth)
	require.Equal(t, 45.2, *sparse.Elevation)
	require.Zero(t, sparse.SignalStrength)
	require.Equal(t, 500000.0, *sparse.SpacecraftRange)

	noTarget := res.Records[3]
	require.Equal(t, record.Unknown, noTarget.Spacecraft)
	require.Nil(t, noTarget.SpacecraftRange)
	require.Equal(t, record.Unknown, noTarget.RangeDisplay)
}

func TestDecodeMarkupSignalsDoNotShareRangePointers(t *testing.T) {
	t.Parallel()

	res, err := newTestParser().Decode([]byte(dsnXML), "text/xml")
	require.NoError(t, err)
	*res.Records[1].SpacecraftRange = 1
	require.Equal(t, 500000.0, *res.Records[2].SpacecraftRange)
}

func TestDecodeMarkupDetectedByDeclaration(t *testing.T) {
	t.Parallel()

	res, err := newTestParser().Decode([]byte("\n  "+dsnXML), "text/plain")
	require.NoError(t, err)
	require.Equal(t, FormatMarkup, res.Format)
	require.Len(t, res.Records, 4)
}

func TestDecodeMarkupSkipsMalformedElements(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<dsn>
  <dish name="DSS24" azimuthAngle="north" elevationAngle="1">
    <downSignal active="true" signalType="data" power="-100"/>
  </dish>
  <dish name="DSS25" azimuthAngle="1" elevationAngle="1">
    <downSignal active="true" signalType="data" power="loud"/>
    <downSignal active="true" signalType="data" power="-101"/>
  </dish>
</dsn>`
	res, err := newTestParser().Decode([]byte(body), "application/xml")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "DSS25", res.Records[0].AntennaID)
	require.Equal(t, -101.0, res.Records[0].SignalStrength)
	require.Len(t, res.Rejected, 2)
}

func TestDecodeMarkupRejectsNonFiniteNumbers(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<dsn>
  <dish name="DSS14" azimuthAngle="10" elevationAngle="20">
    <downSignal active="true" signalType="data" power="NaN"/>
    <downSignal active="true" signalType="data" dataRate="Infinity" power="-99"/>
  </dish>
  <dish name="DSS26" azimuthAngle="Inf" elevationAngle="20">
    <downSignal active="true" signalType="data" power="-98"/>
  </dish>
  <dish name="DSS43" azimuthAngle="1" elevationAngle="2">
    <downSignal active="true" signalType="data" power="-97"/>
  </dish>
</dsn>`
	res, err := newTestParser().Decode([]byte(body), "application/xml")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "DSS43", res.Records[0].AntennaID)
	require.Equal(t, -97.0, res.Records[0].SignalStrength)
	require.Len(t, res.Rejected, 3)
	for _, rerr := range res.Rejected {
		require.ErrorIs(t, rerr, ErrNonFinite)
	}
}

func TestDecodeMarkupEmptyFeed(t *testing.T) {
	t.Parallel()

	res, err := newTestParser().Decode([]byte(`<?xml version="1.0"?><dsn></dsn>`), "application/xml")
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestDecodeLegacyJSON(t *testing.T) {
	t.Parallel()

	body := `{"antennas": [
		{"id": "DSS14", "spacecraft": "VGR2", "signal_strength": -150.5},
		{"id": "DSS15", "spacecraft": "JNO", "signal_strength": "bad"},
		{"id": "DSS26", "signal_strength": "12.5"},
		{"id": "DSS34", "spacecraft": "PSYC"},
		{"id": "DSS35", "spacecraft": "LRO", "signal_strength": null},
		{"id": "DSS36", "spacecraft": "LRO", "signal_strength": true},
		"junk"
	]}`
	res, err := newTestParser().Decode([]byte(body), "application/json")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, res.Format)
	require.Len(t, res.Records, 2)
	require.Len(t, res.Rejected, 5)

	first := res.Records[0]
	require.Equal(t, "VGR2", first.Spacecraft)
	require.Equal(t, "DSS14", first.AntennaID)
	require.Equal(t, -150.5, first.SignalStrength)
	require.Nil(t, first.DataRate)
	require.Nil(t, first.Frequency)
	require.Nil(t, first.Azimuth)
	require.Nil(t, first.Elevation)
	require.Nil(t, first.SpacecraftRange)
	require.Equal(t, record.Unknown, first.RangeDisplay)

	second := res.Records[1]
	require.Equal(t, record.Unknown, second.Spacecraft)
	require.Equal(t, 12.5, second.SignalStrength)
}

func TestDecodeLegacyJSONRejectsNonFiniteStrength(t *testing.T) {
	t.Parallel()

	body := `{"antennas": [
		{"id": "DSS14", "spacecraft": "VGR2", "signal_strength": "NaN"},
		{"id": "DSS15", "spacecraft": "JNO", "signal_strength": "-Inf"},
		{"id": "DSS24", "spacecraft": "MRO", "signal_strength": 1e999},
		{"id": "DSS25", "spacecraft": "MRO", "signal_strength": -120}
	]}`
	res, err := newTestParser().Decode([]byte(body), "application/json")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "DSS25", res.Records[0].AntennaID)
	require.Len(t, res.Rejected, 3)
	require.ErrorIs(t, res.Rejected[0], ErrNonFinite)
	require.ErrorIs(t, res.Rejected[1], ErrNonFinite)
}

func TestDecodeLegacyJSONTrailingData(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`{"antennas":[]}<html><body>error</body></html>`,
		`{"antennas":[]} {"antennas":[]}`,
	} {
		_, err := newTestParser().Decode([]byte(body), "application/json")
		require.ErrorIs(t, err, ErrExhausted)
		var derr *DecodeError
		require.ErrorAs(t, err, &derr)
		require.ErrorIs(t, derr, errTrailingData)
	}

	res, err := newTestParser().Decode([]byte("{\"antennas\":[]}\n\n"), "application/json")
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestDecodeLegacyJSONWithoutAntennas(t *testing.T) {
	t.Parallel()

	res, err := newTestParser().Decode([]byte(`{"status":"ok"}`), "application/json")
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestDecodeExhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{name: "html", body: "<html><body>maintenance</body></html>", contentType: "text/html"},
		{name: "broken xml", body: `<?xml version="1.0"?><dsn><dish name="x">`, contentType: "application/xml"},
		{name: "json array", body: `[1, 2, 3]`, contentType: "application/json"},
		{name: "empty", body: "", contentType: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newTestParser().Decode([]byte(tt.body), tt.contentType)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrExhausted))
		})
	}
}

func TestDecodeExhaustedCarriesDecodeErrors(t *testing.T) {
	t.Parallel()

	_, err := newTestParser().Decode([]byte(`<?xml version="1.0"?><dsn>`), "application/xml")
	var derr *DecodeError
	require.True(t, errors.As(err, &derr))
}

const scheduleHTML = `<html><body>
<table>
  <tr><th>Spacecraft</th><th>Antenna</th><th>Signal</th></tr>
  <tr><td> Voyager 1 </td><td>DSS-43</td><td>12.3 dBm</td></tr>
  <tr><td>Mars Reconnaissance Orbiter</td><td>DSS-34</td><td>n/a</td></tr>
  <tr><td>Juno</td><td>DSS-35</td></tr>
  <tr><td>New Horizons</td><td>DSS-36</td><td>1.2.3</td></tr>
  <tr><td>Parker Solar Probe</td><td>DSS-45</td><td>-140.25 dBm</td><td>extra</td></tr>
  <tr><td>  </td><td>DSS-54</td><td>7 dBm</td></tr>
</table>
</body></html>`

func TestDecodeBackup(t *testing.T) {
	t.Parallel()

	res := newTestParser().DecodeBackup([]byte(scheduleHTML))
	require.Equal(t, FormatHTML, res.Format)
	require.Len(t, res.Records, 3)
	require.Len(t, res.Rejected, 3)

	require.Equal(t, "Voyager 1", res.Records[0].Spacecraft)
	require.Equal(t, "DSS-43", res.Records[0].AntennaID)
	require.Equal(t, 12.3, res.Records[0].SignalStrength)
	require.Equal(t, fixedNow, res.Records[0].Timestamp)
	require.Equal(t, record.Unknown, res.Records[0].RangeDisplay)

	// The minus sign is stripped along with the unit.
	require.Equal(t, 140.25, res.Records[1].SignalStrength)

	require.Equal(t, record.Unknown, res.Records[2].Spacecraft)
	require.Equal(t, "DSS-54", res.Records[2].AntennaID)
}

func TestDecodeBackupNoTable(t *testing.T) {
	t.Parallel()

	res := newTestParser().DecodeBackup([]byte("plain text"))
	require.Empty(t, res.Records)
}

func TestParseSignalCell(t *testing.T) {
	t.Parallel()

	v, err := parseSignalCell(" 12.3 dBm ")
	require.NoError(t, err)
	require.Equal(t, 12.3, v)

	_, err = parseSignalCell("dBm")
	require.Error(t, err)
	_, err = parseSignalCell("1..2")
	require.Error(t, err)
}
