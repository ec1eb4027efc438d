package arrow

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/scatterbrained/peer"
)

// PeerSchema returns the Arrow schema for a peer table.
//
// Fields:
//   - id: string - Node id
//   - namespace: string - Namespace the identity belongs to
//   - host: string - Advertised host
//   - port: int32 - Advertised port
//   - position: float64 - Advertised position
//   - last_seen: timestamp[ms] (nullable) - Last heartbeat, null when unknown
func PeerSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "id", Type: arrow.BinaryTypes.String},
			{Name: "namespace", Type: arrow.BinaryTypes.String},
			{Name: "host", Type: arrow.BinaryTypes.String},
			{Name: "port", Type: arrow.PrimitiveTypes.Int32},
			{Name: "position", Type: arrow.PrimitiveTypes.Float64},
			{Name: "last_seen", Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: true},
		},
		nil,
	)
}

// LastSeenFunc looks up when a peer was last heard from.
type LastSeenFunc func(key peer.Key) (time.Time, bool)

// PeerRow is one decoded row of a peer table.
type PeerRow struct {
	Identity *peer.Identity
	LastSeen *time.Time
}

// PeersToRecord builds a record with one row per peer. A nil lastSeen leaves
// the last_seen column null. The caller releases the record.
func PeersToRecord(mem memory.Allocator, peers []*peer.Identity, lastSeen LastSeenFunc) arrow.Record {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	builder := array.NewRecordBuilder(mem, PeerSchema())
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.StringBuilder)
	nsBuilder := builder.Field(1).(*array.StringBuilder)
	hostBuilder := builder.Field(2).(*array.StringBuilder)
	portBuilder := builder.Field(3).(*array.Int32Builder)
	posBuilder := builder.Field(4).(*array.Float64Builder)
	seenBuilder := builder.Field(5).(*array.TimestampBuilder)

	for _, p := range peers {
		idBuilder.Append(p.ID)
		nsBuilder.Append(p.Namespace)
		hostBuilder.Append(p.Host)
		portBuilder.Append(int32(p.Port))
		posBuilder.Append(p.Position())

		if lastSeen == nil {
			seenBuilder.AppendNull()
			continue
		}
		if ts, ok := lastSeen(p.Key()); ok {
			seenBuilder.Append(arrow.Timestamp(ts.UnixMilli()))
		} else {
			seenBuilder.AppendNull()
		}
	}

	return builder.NewRecord()
}

// RecordToPeers decodes a record built by PeersToRecord.
func RecordToPeers(record arrow.Record) ([]PeerRow, error) {
	if record == nil || record.NumRows() == 0 {
		return nil, nil
	}
	if !record.Schema().Equal(PeerSchema()) {
		return nil, errors.New("record does not match the peer schema")
	}

	idCol := record.Column(0).(*array.String)
	nsCol := record.Column(1).(*array.String)
	hostCol := record.Column(2).(*array.String)
	portCol := record.Column(3).(*array.Int32)
	posCol := record.Column(4).(*array.Float64)
	seenCol := record.Column(5).(*array.Timestamp)

	rows := make([]PeerRow, record.NumRows())
	for i := range rows {
		id := peer.New(idCol.Value(i), nsCol.Value(i), hostCol.Value(i), int(portCol.Value(i)), posCol.Value(i))
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i].Identity = id

		if seenCol.IsValid(i) {
			ts := time.UnixMilli(int64(seenCol.Value(i))).UTC()
			rows[i].LastSeen = &ts
		}
	}
	return rows, nil
}

// EncodePeers writes the peer table as an Arrow IPC stream holding one batch.
func EncodePeers(peers []*peer.Identity, lastSeen LastSeenFunc) ([]byte, error) {
	record := PeersToRecord(memory.DefaultAllocator, peers, lastSeen)
	defer record.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(PeerSchema()))
	if err := w.Write(record); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write peer table: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close peer table stream: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePeers reads every batch of a peer table stream written by EncodePeers.
func DecodePeers(data []byte) ([]PeerRow, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithSchema(PeerSchema()))
	if err != nil {
		return nil, fmt.Errorf("failed to open peer table stream: %w", err)
	}
	defer r.Release()

	var rows []PeerRow
	for r.Next() {
		batch, err := RecordToPeers(r.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read peer table: %w", err)
	}
	return rows, nil
}
