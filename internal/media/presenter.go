package media

import (
	"context"
	"errors"
	"time"
)

// presentLoop is the timer goroutine: it schedules each committed picture
// against the master clock and releases it to the host when it is due.
func (s *Session) presentLoop(ctx context.Context) error {
	log := s.log.With("goroutine", "presenter")
	sched := NewFrameScheduler(s.cfg.MinSyncThreshold)
	serial := -1
	catchUp := 0

	for {
		ref, err := s.pictures.Next()
		if errors.Is(err, errEndOfStream) {
			s.streamEnded(StreamVideo, s.pictures.Serial())
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			continue
		}
		if err != nil {
			return err
		}

		start := s.now()
		waited, err := s.playing.Wait(ctx)
		if err != nil {
			return nil
		}
		if waited {
			sched.Resume(s.now() - start)
		}

		now := s.now()
		if ref.Serial != serial {
			serial = ref.Serial
			sched.Reset(now)
			catchUp = 0
		} else {
			sched.CatchUp(now)
		}

		d := sched.Schedule(ref.PTS, s.clock.Master(), s.clock.Source() != VideoMaster, now)
		s.stats.setAVDiff(d.Diff)

		if d.Late() {
			// Skip the late picture while a newer one is already waiting, but
			// never more than MaxCatchUp in a row.
			if catchUp < s.cfg.MaxCatchUp && s.pictures.Pending() > 1 {
				if s.pictures.Release(ref, true) {
					catchUp++
				}
				continue
			}
		} else {
			ok, err := s.sleepUntil(ctx, sched, now+d.Wait, ref.Serial)
			if err != nil {
				return nil
			}
			if !ok {
				continue
			}
		}

		catchUp = 0
		if !s.pictures.Release(ref, false) {
			continue
		}

		s.clock.SetVideo(ref.PTS)
		shown := s.stats.framesShown.Add(1)
		s.events.Add(Event{Kind: EventFrameShow, PTS: ref.PTS, Serial: ref.Serial})

		if shown%30 == 0 {
			audio := s.clock.Audio()
			log.Debug("sync",
				"video", ref.PTS,
				"audio", audio,
				"a/v", audio-ref.PTS,
				"diff", d.Diff,
				"delay", d.Delay,
			)
		}
	}
}

// sleepUntil waits for deadline (session seconds). Pauses extend the
// deadline; it returns false when the picture was flushed by a seek.
func (s *Session) sleepUntil(ctx context.Context, sched *FrameScheduler, deadline float64, serial int) (bool, error) {
	for {
		remaining := deadline - s.now()
		if remaining <= 0 {
			return true, nil
		}

		t := time.NewTimer(time.Duration(remaining * float64(time.Second)))
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		case <-s.wake:
			t.Stop()
		}

		if !s.playing.IsOpen() {
			start := s.now()
			if _, err := s.playing.Wait(ctx); err != nil {
				return false, err
			}
			paused := s.now() - start
			deadline += paused
			sched.Resume(paused)
		}

		if s.pictures.Serial() != serial {
			return false, nil
		}
	}
}
