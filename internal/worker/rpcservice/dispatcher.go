// Package rpcservice wires the uRPC frame contract to the worker's
// components, implementing the wire operations handled in Apply by
// decoding a JSON payload per command and delegating to
// appmanager/membuffer/hybridstore/blockset. There is no
// get_local_shuffle_index command; the index is not served on its own.
package rpcservice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riffle-io/riffle-worker/internal/worker/appmanager"
	"github.com/riffle-io/riffle-worker/internal/worker/blockset"
	"github.com/riffle-io/riffle-worker/internal/worker/hybridstore"
	"github.com/riffle-io/riffle-worker/internal/worker/membuffer"
	"github.com/riffle-io/riffle-worker/internal/worker/urpc"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// Service implements urpc.Dispatcher over the worker's components.
type Service struct {
	Apps    *appmanager.Manager
	Mem     *membuffer.Store
	Hybrid  *hybridstore.Store
	Bitmaps *bitmapRegistry
}

// NewService constructs a Service.
func NewService(apps *appmanager.Manager, mem *membuffer.Store, hybrid *hybridstore.Store) *Service {
	return &Service{Apps: apps, Mem: mem, Hybrid: hybrid, Bitmaps: newBitmapRegistry()}
}

type bitmapRegistry struct {
	sets map[string]*blockset.Set
}

func newBitmapRegistry() *bitmapRegistry {
	return &bitmapRegistry{sets: make(map[string]*blockset.Set)}
}

func (r *bitmapRegistry) forKey(key string) *blockset.Set {
	s, ok := r.sets[key]
	if !ok {
		s = blockset.New()
		r.sets[key] = s
	}
	return s
}

// Apply implements urpc.Dispatcher.
func (s *Service) Apply(ctx context.Context, frame urpc.Frame) ([]byte, error) {
	switch frame.Command {
	case "register_shuffle":
		return s.registerShuffle(frame.Payload)
	case "require_buffer":
		return s.requireBuffer(frame.Payload)
	case "send_shuffle_data":
		return s.sendShuffleData(frame.Payload)
	case "get_memory_shuffle_data":
		return s.getMemoryShuffleData(ctx, frame.Payload)
	case "get_local_shuffle_data":
		return s.getLocalShuffleData(ctx, frame.Payload)
	case "report_shuffle_result":
		return s.reportShuffleResult(frame.Payload)
	case "get_shuffle_result":
		return s.getShuffleResult(frame.Payload)
	case "app_heartbeat":
		return s.appHeartbeat(frame.Payload)
	case "unregister_shuffle":
		return s.unregisterShuffle(frame.Payload)
	case "unregister_app":
		return s.unregisterApp(frame.Payload)
	default:
		return nil, workererr.Wrapf(workererr.Internal, "unknown command %q", frame.Command)
	}
}

type registerShuffleRequest struct {
	AppID     string `json:"app_id"`
	ShuffleID int64  `json:"shuffle_id"`
}

func (s *Service) registerShuffle(payload []byte) ([]byte, error) {
	var req registerShuffleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad register_shuffle payload")
	}
	s.Apps.RegisterShuffle(req.AppID, req.ShuffleID)
	return []byte("{}"), nil
}

type requireBufferRequest struct {
	AppID       string `json:"app_id"`
	ShuffleID   int64  `json:"shuffle_id"`
	PartitionID int64  `json:"partition_id"`
	Size        int64  `json:"size"`
}

type requireBufferResponse struct {
	TicketID    string `json:"ticket_id"`
	AllocatedTS int64  `json:"allocated_ts"`
}

func (s *Service) requireBuffer(payload []byte) ([]byte, error) {
	var req requireBufferRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad require_buffer payload")
	}
	key := appmanager.PartitionKey{AppID: req.AppID, ShuffleID: req.ShuffleID, PartitionID: req.PartitionID}
	if err := s.Apps.CheckRequireBuffer(key); err != nil {
		return nil, err
	}
	ticket, err := s.Mem.RequireBuffer(key.String(), req.Size)
	if err != nil {
		return nil, err
	}
	resp, _ := json.Marshal(requireBufferResponse{TicketID: ticket.ID, AllocatedTS: time.Now().Unix()})
	return resp, nil
}

type blockPayload struct {
	BlockID int64  `json:"block_id"`
	Data    []byte `json:"data"`
	Length  int    `json:"length"`
}

type sendShuffleDataRequest struct {
	AppID       string         `json:"app_id"`
	ShuffleID   int64          `json:"shuffle_id"`
	PartitionID int64          `json:"partition_id"`
	TicketID    string         `json:"ticket_id"`
	Blocks      []blockPayload `json:"blocks"`
}

func (s *Service) sendShuffleData(payload []byte) ([]byte, error) {
	var req sendShuffleDataRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad send_shuffle_data payload")
	}
	key := appmanager.PartitionKey{AppID: req.AppID, ShuffleID: req.ShuffleID, PartitionID: req.PartitionID}

	var total int64
	for _, b := range req.Blocks {
		if err := s.Hybrid.Insert(req.TicketID, key.String(), membuffer.Block{BlockID: b.BlockID, Data: b.Data, Length: b.Length}); err != nil {
			return nil, err
		}
		total += int64(b.Length)
	}
	if err := s.Apps.RecordInsert(key, total); err != nil {
		return nil, err
	}
	return []byte("{}"), nil
}

type memoryReadRequest struct {
	AppID       string `json:"app_id"`
	ShuffleID   int64  `json:"shuffle_id"`
	PartitionID int64  `json:"partition_id"`
	LastBlockID int64  `json:"last_block_id"`
	MaxBytes    int64  `json:"max_bytes"`
}

func (s *Service) getMemoryShuffleData(ctx context.Context, payload []byte) ([]byte, error) {
	var req memoryReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad get_memory_shuffle_data payload")
	}
	key := appmanager.PartitionKey{AppID: req.AppID, ShuffleID: req.ShuffleID, PartitionID: req.PartitionID}
	result, err := s.Hybrid.Select(ctx, key.String(), req.LastBlockID, req.MaxBytes, membuffer.Normal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result.MemorySegments)
}

type localReadRequest struct {
	AppID       string `json:"app_id"`
	ShuffleID   int64  `json:"shuffle_id"`
	PartitionID int64  `json:"partition_id"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
}

func (s *Service) getLocalShuffleData(ctx context.Context, payload []byte) ([]byte, error) {
	var req localReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad get_local_shuffle_data payload")
	}
	key := appmanager.PartitionKey{AppID: req.AppID, ShuffleID: req.ShuffleID, PartitionID: req.PartitionID}
	result, err := s.Hybrid.Select(ctx, key.String(), -1, req.Offset+req.Length, membuffer.Normal)
	if err != nil {
		return nil, err
	}
	if result.LocalData == nil {
		return nil, workererr.PartitionNotFound
	}
	return result.LocalData.Freeze(), nil
}

type reportShuffleResultRequest struct {
	AppID       string  `json:"app_id"`
	ShuffleID   int64   `json:"shuffle_id"`
	PartitionID int64   `json:"partition_id"`
	BlockIDs    []int64 `json:"block_ids"`
}

func (s *Service) reportShuffleResult(payload []byte) ([]byte, error) {
	var req reportShuffleResultRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad report_shuffle_result payload")
	}
	key := appmanager.PartitionKey{AppID: req.AppID, ShuffleID: req.ShuffleID, PartitionID: req.PartitionID}
	s.Bitmaps.forKey(key.String()).AddAll(req.BlockIDs)
	return []byte("{}"), nil
}

type getShuffleResultRequest struct {
	AppID       string `json:"app_id"`
	ShuffleID   int64  `json:"shuffle_id"`
	PartitionID int64  `json:"partition_id"`
}

func (s *Service) getShuffleResult(payload []byte) ([]byte, error) {
	var req getShuffleResultRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad get_shuffle_result payload")
	}
	key := appmanager.PartitionKey{AppID: req.AppID, ShuffleID: req.ShuffleID, PartitionID: req.PartitionID}
	return s.Bitmaps.forKey(key.String()).Serialize()
}

type appHeartbeatRequest struct {
	AppID string `json:"app_id"`
}

func (s *Service) appHeartbeat(payload []byte) ([]byte, error) {
	var req appHeartbeatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad app_heartbeat payload")
	}
	if err := s.Apps.Heartbeat(req.AppID); err != nil {
		return nil, err
	}
	return []byte("{}"), nil
}

type unregisterShuffleRequest struct {
	AppID     string `json:"app_id"`
	ShuffleID int64  `json:"shuffle_id"`
}

func (s *Service) unregisterShuffle(payload []byte) ([]byte, error) {
	var req unregisterShuffleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad unregister_shuffle payload")
	}
	s.Apps.EnqueuePurge(appmanager.PurgeEvent{Kind: appmanager.ShufflePurge, AppID: req.AppID, ShuffleID: req.ShuffleID})
	return []byte("{}"), nil
}

type unregisterAppRequest struct {
	AppID string `json:"app_id"`
}

func (s *Service) unregisterApp(payload []byte) ([]byte, error) {
	var req unregisterAppRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workererr.Wrap(err, "bad unregister_app payload")
	}
	s.Apps.EnqueuePurge(appmanager.PurgeEvent{Kind: appmanager.ExplicitAppPurge, AppID: req.AppID})
	return []byte("{}"), nil
}
