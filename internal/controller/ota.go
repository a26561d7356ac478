// internal/controller/ota.go
package controller

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/swarmit/supervisor/internal/ota"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/verify"
)

// StartResult tells which devices acknowledged OTA_START.
type StartResult struct {
	Meta   ota.ImageMeta
	Acked  []uint64
	Missed []uint64
}

type ChunkStatus struct {
	Index   uint32
	Size    uint8
	Acked   bool
	Retries int
}

// TransferStatus is the per-device outcome of Transfer. A device that
// misses one chunk after all retries is abandoned for the rest of the
// image.
type TransferStatus struct {
	ID       uint64
	Meta     ota.ImageMeta
	Chunks   []ChunkStatus
	Failed   bool
	Started  time.Time
	Finished time.Time
}

func (t *TransferStatus) Success() bool {
	if t.Failed || uint32(len(t.Chunks)) != t.Meta.ChunkCount {
		return false
	}
	for _, c := range t.Chunks {
		if !c.Acked {
			return false
		}
	}
	return true
}

// Meta describes fw as announced by OTA_START.
func Meta(fw []byte) ota.ImageMeta {
	return ota.ImageMeta{
		ImageSize:  uint32(len(fw)),
		ChunkCount: uint32((len(fw) + protocol.ChunkSize - 1) / protocol.ChunkSize),
	}
}

// StartOTA opens an update session on every ready selected device and
// retries the ones that do not acknowledge.
func (c *Controller) StartOTA(ctx context.Context, fw []byte) (StartResult, error) {
	if len(fw) == 0 {
		return StartResult{}, errors.New("controller: empty firmware")
	}
	res := StartResult{Meta: Meta(fw)}

	targets := c.ReadyDevices()
	if len(targets) == 0 {
		return res, ErrNoDevices
	}

	frame, err := protocol.EncodeRequest(protocol.OtaStartRequest{
		ImageSize:  res.Meta.ImageSize,
		ChunkCount: res.Meta.ChunkCount,
	})
	if err != nil {
		return res, err
	}

	pending := make(map[uint64]bool, len(targets))
	for _, id := range targets {
		pending[id] = true
	}

	c.drainAcks()
	for attempt := 0; attempt <= c.s.MaxRetries && len(pending) > 0; attempt++ {
		for _, id := range sortedIDs(pending) {
			if err := c.send(ctx, id, frame); err != nil {
				return res, err
			}
		}
		err := c.collect(ctx, func(a ack) bool {
			if a.typ == protocol.MsgOtaStartAck && pending[a.src] {
				delete(pending, a.src)
				res.Acked = append(res.Acked, a.src)
			}
			return len(pending) == 0
		})
		if err != nil {
			return res, err
		}
	}

	sort.Slice(res.Acked, func(i, j int) bool { return res.Acked[i] < res.Acked[j] })
	res.Missed = sortedIDs(pending)
	c.logger.Info("ota start", "size", res.Meta.ImageSize, "chunks", res.Meta.ChunkCount,
		"acked", len(res.Acked), "missed", len(res.Missed))
	return res, nil
}

// Transfer sends fw chunk by chunk to devices. Each chunk waits for an ACK
// from every remaining device, retrying the missing ones.
func (c *Controller) Transfer(ctx context.Context, fw []byte, devices []uint64) (map[uint64]*TransferStatus, error) {
	meta := Meta(fw)
	started := c.now()

	results := make(map[uint64]*TransferStatus, len(devices))
	for _, id := range devices {
		results[id] = &TransferStatus{ID: id, Meta: meta, Started: started}
	}

	c.drainAcks()
	for i := uint32(0); i < meta.ChunkCount; i++ {
		start := int(i) * protocol.ChunkSize
		end := start + protocol.ChunkSize
		if end > len(fw) {
			end = len(fw)
		}
		data := fw[start:end]
		sum := verify.Digest(data)

		frame, err := protocol.EncodeRequest(protocol.OtaChunkRequest{
			Index:  i,
			Size:   uint8(len(data)),
			Digest: sum[:c.s.DigestLength],
			Data:   data,
		})
		if err != nil {
			return results, err
		}

		pending := make(map[uint64]bool)
		for id, st := range results {
			if !st.Failed {
				pending[id] = true
			}
		}
		if len(pending) == 0 {
			break
		}

		retries := make(map[uint64]int)
		for attempt := 0; attempt <= c.s.MaxRetries && len(pending) > 0; attempt++ {
			for _, id := range sortedIDs(pending) {
				if attempt > 0 {
					retries[id]++
				}
				if err := c.send(ctx, id, frame); err != nil {
					return results, err
				}
			}
			err := c.collect(ctx, func(a ack) bool {
				if a.typ == protocol.MsgOtaChunkAck && a.index == i {
					delete(pending, a.src)
				}
				return len(pending) == 0
			})
			if err != nil {
				return results, err
			}
		}

		for id, st := range results {
			if st.Failed {
				continue
			}
			cs := ChunkStatus{Index: i, Size: uint8(len(data)), Acked: !pending[id], Retries: retries[id]}
			st.Chunks = append(st.Chunks, cs)
			if !cs.Acked {
				st.Failed = true
				st.Finished = c.now()
				c.logger.Warn("chunk not acknowledged, giving up", "device", hexID(id), "index", i, "retries", cs.Retries)
			}
		}
	}

	for _, st := range results {
		if !st.Failed {
			st.Finished = c.now()
		}
	}
	c.logger.Info("transfer completed", "devices", len(devices), "chunks", meta.ChunkCount)
	return results, nil
}

// collect feeds acks to fn until it returns true, the OTA timeout passes,
// or ctx is done.
func (c *Controller) collect(ctx context.Context, fn func(ack) bool) error {
	t := time.NewTimer(c.s.OTATimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case a := <-c.acks:
			if fn(a) {
				return nil
			}
		}
	}
}

func (c *Controller) drainAcks() {
	for {
		select {
		case <-c.acks:
		default:
			return
		}
	}
}

func sortedIDs(set map[uint64]bool) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
