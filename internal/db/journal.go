package db

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultJournalBuffer = 1024

type Store interface {
	RecordActivity(Activity) error
	RecordCompileRun(CompileRun) error
}

type entry struct {
	activity *Activity
	run      *CompileRun
}

// Journal writes records on its own goroutine so callers on the hub loop
// or in request handlers never wait for the database. When the buffer is
// full, records are dropped and counted.
type Journal struct {
	store   Store
	entries chan entry
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once

	log *logrus.Entry
}

func NewJournal(store Store, buffer int, log *logrus.Entry) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	return &Journal{
		store:   store,
		entries: make(chan entry, buffer),
		stop:    make(chan struct{}),
		log:     log,
	}
}

func (j *Journal) Start() {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.run()
		j.log.WithField("buffer", cap(j.entries)).Info("Activity journal started")
	})
}

// Stop writes everything already buffered, then returns
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		close(j.stop)
		j.wg.Wait()
		j.log.WithField("dropped", j.dropped.Load()).Info("Activity journal stopped")
	})
}

func (j *Journal) Joined(roomID, connID, username string) {
	j.record(entry{activity: &Activity{
		RoomID:    roomID,
		SocketID:  connID,
		Username:  username,
		Kind:      ActivityJoined,
		CreatedAt: time.Now(),
	}})
}

func (j *Journal) Left(roomID, connID, username string) {
	j.record(entry{activity: &Activity{
		RoomID:    roomID,
		SocketID:  connID,
		Username:  username,
		Kind:      ActivityLeft,
		CreatedAt: time.Now(),
	}})
}

func (j *Journal) CompileRun(r CompileRun) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	j.record(entry{run: &r})
}

func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) record(e entry) {
	select {
	case j.entries <- e:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.log.WithField("dropped", n).Warn("Activity journal full, dropping records")
		}
	}
}

func (j *Journal) run() {
	defer j.wg.Done()

	for {
		select {
		case e := <-j.entries:
			j.write(e)
		case <-j.stop:
			for {
				select {
				case e := <-j.entries:
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(e entry) {
	var err error
	switch {
	case e.activity != nil:
		err = j.store.RecordActivity(*e.activity)
	case e.run != nil:
		err = j.store.RecordCompileRun(*e.run)
	}
	if err != nil {
		j.log.WithError(err).Error("Failed to write journal record")
	}
}
