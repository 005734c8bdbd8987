package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/suPer8Hu/ai-chatroom/internal/ai"
	"github.com/suPer8Hu/ai-chatroom/internal/chat"
)

type Stats struct {
	TotalRooms    int    `json:"total_rooms"`
	TotalMessages int    `json:"total_messages"`
	TotalFiles    int    `json:"total_files"`
	FileBytes     int64  `json:"total_file_size_bytes"`
	FileSize      string `json:"total_file_size"`
	OnlineUsers   int    `json:"online_users"`
	ServerStatus  string `json:"server_status"`
	Uptime        string `json:"uptime"`
	StartTime     string `json:"start_time"`
	ai.StatsSnapshot
}

// Stats sums history, presence and relay counters. Sizes only count
// objects some room still references.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	summaries := s.history.Summaries()
	referenced := make(map[string]struct{})
	out := Stats{
		TotalRooms:   len(summaries),
		OnlineUsers:  s.members.Online(),
		ServerStatus: "running",
		Uptime:       formatUptime(s.now().Sub(s.started)),
		StartTime:    s.started.Format(time.DateTime),
	}
	for _, r := range summaries {
		out.TotalMessages += r.MessageCount
		for _, f := range r.Files {
			referenced[f] = struct{}{}
		}
	}
	out.TotalFiles = len(referenced)

	objs, err := s.files.Objects(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, o := range objs {
		if _, ok := referenced[o.Name]; ok {
			out.FileBytes += o.Size
		}
	}
	out.FileSize = humanize.IBytes(uint64(out.FileBytes))
	if s.relay != nil {
		out.StatsSnapshot = s.relay.Stats().Snapshot()
	}
	return out, nil
}

func formatUptime(d time.Duration) string {
	total := int64(d / time.Second)
	days := total / 86400
	h := (total % 86400) / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if days > 0 {
		return fmt.Sprintf("%d天 %d小时 %d分钟 %d秒", days, h, m, sec)
	}
	return fmt.Sprintf("%d小时 %d分钟 %d秒", h, m, sec)
}

// RoomView is one row of the admin room list.
type RoomView struct {
	chat.RoomSummary
	FileCount   int      `json:"file_count"`
	FileSize    string   `json:"file_size"`
	OnlineUsers int      `json:"online_users"`
	Users       []string `json:"users"`
}

func (s *Service) Rooms(ctx context.Context) ([]RoomView, error) {
	sizes, err := s.objectSizes(ctx)
	if err != nil {
		return nil, err
	}
	summaries := s.history.Summaries()
	out := make([]RoomView, 0, len(summaries))
	for _, r := range summaries {
		out = append(out, s.roomView(r, sizes))
	}
	return out, nil
}

type RoomDetailView struct {
	RoomView
	Messages []chat.Message `json:"messages"`
}

func (s *Service) RoomDetail(ctx context.Context, room string) (RoomDetailView, error) {
	d, ok := s.history.Detail(room)
	if !ok {
		return RoomDetailView{}, chat.ErrRoomNotFound
	}
	sizes, err := s.objectSizes(ctx)
	if err != nil {
		return RoomDetailView{}, err
	}
	return RoomDetailView{RoomView: s.roomView(d.RoomSummary, sizes), Messages: d.Messages}, nil
}

func (s *Service) roomView(r chat.RoomSummary, sizes map[string]int64) RoomView {
	var total int64
	for _, f := range r.Files {
		total += sizes[f]
	}
	snap := s.members.Snapshot(r.Room)
	return RoomView{
		RoomSummary: r,
		FileCount:   len(r.Files),
		FileSize:    humanize.IBytes(uint64(total)),
		OnlineUsers: snap.Count,
		Users:       snap.Members,
	}
}

func (s *Service) objectSizes(ctx context.Context) (map[string]int64, error) {
	objs, err := s.files.Objects(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(objs))
	for _, o := range objs {
		out[o.Name] = o.Size
	}
	return out, nil
}

// FileView is one stored object with who cites it.
type FileView struct {
	Name       string             `json:"filename"`
	Size       string             `json:"size"`
	SizeBytes  int64              `json:"size_bytes"`
	Modified   string             `json:"modified_time"`
	Rooms      []string           `json:"referenced_rooms"`
	Hashed     bool               `json:"is_hashed"`
	Orphaned   bool               `json:"is_orphaned"`
	Category   chat.MediaCategory `json:"file_type"`
	modifiedAt time.Time
}

// Files lists every stored object, newest first.
func (s *Service) Files(ctx context.Context) ([]FileView, error) {
	objs, err := s.files.Objects(ctx)
	if err != nil {
		return nil, err
	}
	citing := make(map[string][]string)
	for _, r := range s.history.Summaries() {
		for _, f := range r.Files {
			citing[f] = append(citing[f], r.Room)
		}
	}

	out := make([]FileView, 0, len(objs))
	for _, o := range objs {
		rooms := citing[o.Name]
		if rooms == nil {
			rooms = []string{}
		}
		out = append(out, FileView{
			Name:       o.Name,
			Size:       humanize.IBytes(uint64(o.Size)),
			SizeBytes:  o.Size,
			Modified:   o.ModTime.Format(time.DateTime),
			Rooms:      rooms,
			Hashed:     o.Hash != "",
			Orphaned:   len(rooms) == 0,
			Category:   chat.CategoryOf(o.Name),
			modifiedAt: o.ModTime,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].modifiedAt.After(out[j].modifiedAt) })
	return out, nil
}
