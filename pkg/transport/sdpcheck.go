package transport

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// SDPSummary reports what a session description carries, for logging and
// for diagnosing one-way-media complaints.
type SDPSummary struct {
	MediaSections int
	HasAudio      bool
	HasVideo      bool
	AudioCodecs   []string
	VideoCodecs   []string
}

// DescribeSDP parses raw SDP and summarizes its media sections.
func DescribeSDP(raw string) (SDPSummary, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return SDPSummary{}, fmt.Errorf("parse sdp: %w", err)
	}

	sum := SDPSummary{MediaSections: len(desc.MediaDescriptions)}
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			sum.HasAudio = true
			sum.AudioCodecs = append(sum.AudioCodecs, codecNames(m)...)
		case "video":
			sum.HasVideo = true
			sum.VideoCodecs = append(sum.VideoCodecs, codecNames(m)...)
		}
	}
	return sum, nil
}

func codecNames(m *sdp.MediaDescription) []string {
	var names []string
	for _, attr := range m.Attributes {
		if attr.Key == "rtpmap" {
			names = append(names, attr.Value)
		}
	}
	return names
}
