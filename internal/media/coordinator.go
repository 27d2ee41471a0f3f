package media

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"time"

	"golang.org/x/image/draw"
)

// demuxLoop reads the source and routes packets to the stream queues. It
// owns loop restamping; Seek moves the source under srcMutex and bumps the
// serial, which restarts the loop state here.
func (s *Session) demuxLoop(ctx context.Context) error {
	log := s.log.With("goroutine", "demux")

	var (
		eof     bool
		offset  float64
		lastEnd float64
		serial  = s.currentSerial()
	)

	for {
		if cur := s.currentSerial(); cur != serial {
			serial = cur
			eof, offset, lastEnd = false, 0, 0
		}

		// Throttle while the queues hold enough read-ahead or the input is
		// exhausted; a seek wakes the loop early.
		if eof || s.videoq.Size()+s.audioq.Size() > s.cfg.MaxQueueBytes {
			t := time.NewTimer(s.cfg.WaitGranularity)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case ev := <-s.seekCh:
				log.Debug("seek received", "target", ev.PTS, "serial", ev.Serial)
			case <-t.C:
			}
			t.Stop()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.seekCh:
			log.Debug("seek received", "target", ev.PTS, "serial", ev.Serial)
		default:
		}

		pkt, readSerial, err := s.readPacket()
		if readSerial != serial {
			// The packet was read at the new position.
			serial = readSerial
			eof, offset, lastEnd = false, 0, 0
		}

		if err == nil {
			if err := s.routePacket(pkt, offset, &lastEnd, serial); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				return err
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			log.Warn("reading packet failed, treating as end of input", "error", err)
		}

		if s.cfg.Loop {
			rewound, err := s.rewind(serial)
			if err == nil {
				if rewound {
					offset = lastEnd
					log.Debug("looping", "offset", offset)
				}
				continue
			}
			log.Warn("rewinding source failed, stopping", "error", err)
		}

		eof = true
		if s.video != nil {
			if err := s.videoq.PutEOSSerial(serial); err != nil {
				return nil
			}
		}
		if s.audio != nil {
			if err := s.audioq.PutEOSSerial(serial); err != nil {
				return nil
			}
		}
		log.Debug("end of input")
	}
}

// readPacket reads one packet and reports the serial it was read under.
func (s *Session) readPacket() (Packet, int, error) {
	s.srcMutex.Lock()
	defer s.srcMutex.Unlock()

	pkt, err := s.src.ReadPacket()
	return pkt, s.currentSerial(), err
}

// rewind seeks the source back to the start unless a seek moved it since
// serial; it reports whether it did.
func (s *Session) rewind(serial int) (bool, error) {
	s.srcMutex.Lock()
	defer s.srcMutex.Unlock()

	if serial != s.currentSerial() {
		return false, nil
	}
	return true, s.src.Seek(0)
}

func (s *Session) routePacket(pkt Packet, offset float64, lastEnd *float64, serial int) error {
	if pkt.HasPTS() {
		pkt.PTS += offset
		end := pkt.PTS
		if pkt.Duration > 0 {
			end += pkt.Duration
		}
		if end > *lastEnd {
			*lastEnd = end
		}
	}

	switch {
	case pkt.Stream == StreamVideo && s.video != nil:
		return s.videoq.PutSerial(pkt, serial)
	case pkt.Stream == StreamAudio && s.audio != nil:
		return s.audioq.PutSerial(pkt, serial)
	}
	return nil
}

// videoLoop decodes video packets into the picture queue.
func (s *Session) videoLoop(ctx context.Context) error {
	log := s.log.With("goroutine", "video")
	frameDur := defaultFrameDelay
	if fr := s.video.Info().FrameRate; fr > 0 {
		frameDur = 1 / fr
	}
	lastPTS := math.NaN()

	for {
		pkt, err := s.videoq.Get(true)
		if err != nil {
			return err
		}

		if pkt.IsFlush() {
			s.video.Flush()
			lastPTS = math.NaN()
			continue
		}

		var quit error
		err = s.video.Decode(pkt, func(f VideoFrame) {
			if quit != nil {
				return
			}

			pts := f.PTS
			if math.IsNaN(pts) {
				pts = lastPTS + frameDur
				if math.IsNaN(pts) {
					pts = 0
				}
			}
			lastPTS = pts

			quit = s.enqueueVideoFrame(f.Image, pts, pkt.serial)
		})
		if quit != nil {
			return quit
		}
		if err != nil {
			s.stats.decodeErrors.Add(1)
			log.Debug("skip video packet", "pts", pkt.PTS, "error", err)
		}

		if pkt.IsEOS() && pkt.serial == s.currentSerial() {
			s.pictures.SetEOS()
		}
	}
}

func (s *Session) enqueueVideoFrame(img image.Image, pts float64, serial int) error {
	if img == nil || serial != s.currentSerial() {
		return nil
	}

	slot, err := s.pictures.BeginWrite()
	if err != nil {
		return err
	}

	b := img.Bounds()
	dst, err := s.pictures.Target(slot, b.Dx(), b.Dy())
	if err != nil {
		return err
	}

	if dst.Bounds().Size() == b.Size() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	s.firstFrame.Do(func() {
		s.clock.Reset(pts)
	})

	if s.pictures.CommitWrite(slot, pts, serial) {
		s.stats.framesDecoded.Add(1)
	}
	return nil
}

// audioLoop decodes audio packets and feeds the sink, correcting buffer
// sizes toward the master clock unless audio is the master.
func (s *Session) audioLoop(ctx context.Context) error {
	log := s.log.With("goroutine", "audio")
	info := s.audio.Info()
	resync := NewAudioResync(s.cfg.Resync)
	next := math.NaN()

	for {
		pkt, err := s.audioq.Get(true)
		if err != nil {
			return err
		}

		if pkt.IsFlush() {
			s.audio.Flush()
			resync.Reset()
			next = math.NaN()
			continue
		}

		var quit error
		err = s.audio.Decode(pkt, func(c AudioChunk) {
			if quit != nil || len(c.Data) == 0 || pkt.serial != s.currentSerial() {
				return
			}

			pts := c.PTS
			if math.IsNaN(pts) {
				pts = next
				if math.IsNaN(pts) {
					pts = 0
				}
			}
			samples := c.Samples
			if samples <= 0 && info.BytesPerFrame > 0 {
				samples = len(c.Data) / info.BytesPerFrame
			}
			next = pts + float64(samples)/float64(info.SampleRate)

			quit = s.enqueueAudioChunk(ctx, resync, info, c.Data, pts, next, pkt.serial)
		})
		if quit != nil {
			return quit
		}
		if err != nil {
			s.stats.decodeErrors.Add(1)
			log.Debug("skip audio packet", "pts", pkt.PTS, "error", err)
		}

		if pkt.IsEOS() {
			if err := s.drainAudio(ctx, pkt.serial); err != nil {
				return err
			}
		}
	}
}

func (s *Session) enqueueAudioChunk(ctx context.Context, resync *AudioResync, info AudioInfo, b []byte, pts, end float64, serial int) error {
	if _, err := s.playing.Wait(ctx); err != nil {
		return err
	}
	if serial != s.currentSerial() {
		return nil
	}

	s.firstFrame.Do(func() {
		s.clock.Reset(pts)
	})

	if s.clock.Source() != AudioMaster {
		diff := s.clock.Audio() - s.clock.Master()
		corrected := resync.Correct(b, diff, info.SampleRate, info.BytesPerFrame)
		if len(corrected) != len(b) {
			s.stats.audioCorrections.Add(1)
			s.log.Debug("audio corrected", "diff", diff, "avg", resync.AvgDiff(), "from", len(b), "to", len(corrected))
		}
		b = corrected
	}

	if err := s.sink.Push(ctx, b); err != nil {
		return err
	}
	// A seek may have flushed the sink while Push was blocked.
	if serial != s.currentSerial() {
		return nil
	}
	s.clock.SetAudio(end)
	s.stats.audioChunks.Add(1)
	return nil
}

// drainAudio waits for the sink to play out before marking audio as ended.
func (s *Session) drainAudio(ctx context.Context, serial int) error {
	for s.sink.Queued() > 0 && serial == s.currentSerial() {
		t := time.NewTimer(s.cfg.WaitGranularity)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	s.streamEnded(StreamAudio, serial)
	return nil
}
