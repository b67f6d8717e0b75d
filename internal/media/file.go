package media

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

// oggPageDuration is the fixed page duration Opus files are paced at.
const oggPageDuration = 20 * time.Millisecond

// FileSource streams pre-encoded media from capture node paths: IVF (VP8)
// for camera and screen video, Ogg (Opus) for microphone audio. Camera and
// microphone loop; display capture plays once and then reports ended, which
// is what drives the automatic revert-to-camera path.
type FileSource struct {
	AudioPath  string
	VideoPath  string
	ScreenPath string
	Logger     *zap.Logger
}

// NewFileSource creates a file-backed capture source.
func NewFileSource(audioPath, videoPath, screenPath string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{AudioPath: audioPath, VideoPath: videoPath, ScreenPath: screenPath, Logger: logger}
}

// CaptureUserMedia opens the camera and microphone nodes. Either failing
// aborts the whole acquisition so the caller never holds half a capture.
func (s *FileSource) CaptureUserMedia() (*Capture, error) {
	if err := s.checkNode(s.VideoPath); err != nil {
		return nil, err
	}
	if err := s.checkNode(s.AudioPath); err != nil {
		return nil, err
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "microphone")
	if err != nil {
		return nil, err
	}

	c := NewCapture(audio, video)
	c.wg.Add(2)
	go s.pumpIVF(c, video, s.VideoPath, true, c.videoOn.Load)
	go s.pumpOgg(c, audio)
	return c, nil
}

// CaptureDisplay opens the screen capture node. The returned capture has no
// audio track and does not loop: when the file runs out the capture ends on
// its own, like a user stopping the share from OS chrome.
func (s *FileSource) CaptureDisplay() (*Capture, error) {
	if err := s.checkNode(s.ScreenPath); err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
	if err != nil {
		return nil, err
	}
	c := NewCapture(nil, video)
	c.wg.Add(1)
	go s.pumpIVF(c, video, s.ScreenPath, false, c.videoOn.Load)
	return c, nil
}

// checkNode verifies the capture node is openable and maps failures onto the
// capture error taxonomy.
func (s *FileSource) checkNode(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return classifyOpenErr(err)
	}
	return f.Close()
}

// pumpIVF paces IVF frames into track. loop controls EOF behavior: reopen
// from the start, or stop and report ended.
func (s *FileSource) pumpIVF(c *Capture, track *webrtc.TrackLocalStaticSample, path string, loop bool, enabled func() bool) {
	defer c.wg.Done()
	for {
		file, err := os.Open(path)
		if err != nil {
			s.Logger.Warn("video capture node lost", zap.String("path", path), zap.Error(err))
			go c.End()
			return
		}
		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			_ = file.Close()
			s.Logger.Warn("invalid ivf capture node", zap.String("path", path), zap.Error(err))
			go c.End()
			return
		}
		frameDelay := time.Duration(float64(header.TimebaseNumerator) /
			float64(header.TimebaseDenominator) * float64(time.Second))
		if frameDelay <= 0 {
			frameDelay = 33 * time.Millisecond
		}

		ticker := time.NewTicker(frameDelay)
		eof := false
		for !eof {
			select {
			case <-c.stop:
				ticker.Stop()
				_ = file.Close()
				return
			case <-ticker.C:
				frame, _, err := ivf.ParseNextFrame()
				if errors.Is(err, io.EOF) {
					eof = true
					break
				}
				if err != nil {
					ticker.Stop()
					_ = file.Close()
					go c.End()
					return
				}
				if !enabled() {
					continue
				}
				if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDelay}); err != nil {
					ticker.Stop()
					_ = file.Close()
					return
				}
			}
		}
		ticker.Stop()
		_ = file.Close()
		if !loop {
			go c.End()
			return
		}
	}
}

// pumpOgg paces Ogg/Opus pages into track, looping at EOF.
func (s *FileSource) pumpOgg(c *Capture, track *webrtc.TrackLocalStaticSample) {
	defer c.wg.Done()
	for {
		file, err := os.Open(s.AudioPath)
		if err != nil {
			s.Logger.Warn("audio capture node lost", zap.String("path", s.AudioPath), zap.Error(err))
			go c.End()
			return
		}
		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			_ = file.Close()
			s.Logger.Warn("invalid ogg capture node", zap.String("path", s.AudioPath), zap.Error(err))
			go c.End()
			return
		}

		ticker := time.NewTicker(oggPageDuration)
		eof := false
		for !eof {
			select {
			case <-c.stop:
				ticker.Stop()
				_ = file.Close()
				return
			case <-ticker.C:
				page, _, err := ogg.ParseNextPage()
				if errors.Is(err, io.EOF) {
					eof = true
					break
				}
				if err != nil {
					ticker.Stop()
					_ = file.Close()
					go c.End()
					return
				}
				if !c.audioOn.Load() {
					continue
				}
				if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: oggPageDuration}); err != nil {
					ticker.Stop()
					_ = file.Close()
					return
				}
			}
		}
		ticker.Stop()
		_ = file.Close()
	}
}
