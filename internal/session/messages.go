package session

import (
	"encoding/json"
	"fmt"

	"github.com/bdbai/win-remote-media-ctrl/internal/media"
)

// Request is a client command carried inside an encrypted frame,
// encoded as a bare JSON string.
type Request string

const (
	ReqHeartbeat       Request = "Heartbeat"
	ReqHeartbeatRes    Request = "HeartbeatRes"
	ReqTogglePlayPause Request = "TogglePlayPause"
	ReqNextTrack       Request = "NextTrack"
	ReqPrevTrack       Request = "PrevTrack"
	ReqVolumeDown      Request = "VolumeDown"
	ReqVolumeUp        Request = "VolumeUp"
	ReqLike            Request = "Like"
)

func parseRequest(data []byte) (Request, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("parse request: %w", err)
	}
	req := Request(s)
	switch req {
	case ReqHeartbeat, ReqHeartbeatRes, ReqTogglePlayPause, ReqNextTrack,
		ReqPrevTrack, ReqVolumeDown, ReqVolumeUp, ReqLike:
		return req, nil
	}
	return "", fmt.Errorf("unknown request %q", s)
}

// Server-to-client message shapes. Each frame carries exactly one.

type heartbeatMsg struct {
	Heartbeat any `json:"heartbeat"`
}

type heartbeatResMsg struct {
	HeartbeatRes any `json:"heartbeat_res"`
}

type timelineMsg struct {
	Timeline media.TimelineState `json:"timeline"`
}

type volumeMsg struct {
	Volume media.VolumeState `json:"volume"`
}

type albumMsg struct {
	AlbumImg *media.AlbumImage `json:"album_img"`
}

type errorMsg struct {
	Ctx   string `json:"ctx"`
	Error string `json:"error"`
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("serializing outbound message: %v", err))
	}
	return data
}
