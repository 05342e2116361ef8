package modernfs

import (
	"sync"
	"time"
)

// Mount is the live handle to one mounted image: every collaborator
// initialized bottom-up by MountImage, plus the background checkpointer and
// the stats aggregator mirrored into the superblock on every sync.
type Mount struct {
	dev     *BlockDevice
	cache   *BufferCache
	inodeA  *InodeAllocator
	inodeC  *InodeCache
	dataA   *Allocator
	journal *Journal // nil when read-only
	bm      *blockMapper
	dir     *Dir
	resolve *Resolver
	stats   *Stats

	layout   Layout
	rootInum uint32
	readOnly bool

	sb *Superblock

	ckptMu   sync.Mutex
	ckptCond *sync.Cond
	stopping bool
	ckptDone chan struct{}
}

const checkpointerInterval = 30 * time.Second

// MountImage brings up the full stack for an already-formatted image at
// path: block device, superblock, allocators, inode cache, journal
// (writable mounts only), and the background checkpointer. Any
// initialization failure tears down every component already brought up, in
// reverse order, before returning.
func MountImage(path string, readOnly bool, cacheCapacity int) (m *Mount, err error) {
	dev, err := OpenBlockDevice(path, readOnly)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			dev.Close()
		}
	}()

	sb, err := dev.LoadSuperblock()
	if err != nil {
		return nil, err
	}
	lay := sb.Layout()

	cache := NewBufferCache(cacheCapacity)

	inodeA, err := LoadInodeAllocator(dev, lay.InodeBitmapStart, lay.InodeBitmapLen, lay.TotalInodes)
	if err != nil {
		return nil, err
	}

	inodeC := NewInodeCache(dev, cache, inodeA, lay, 0)

	dataA, err := LoadAllocator(dev, lay.DataBitmapStart, lay.DataBitmapLen, lay.DataStart, lay.DataLen)
	if err != nil {
		return nil, err
	}

	var jr *Journal
	if !readOnly {
		jr, err = LoadJournal(dev, cache, lay.JournalStart, lay.JournalLen)
		if err != nil {
			return nil, err
		}
		if _, err = jr.Recover(); err != nil {
			return nil, err
		}
	}

	bm := newBlockMapper(dataA, cache, dev)
	dir := NewDir(inodeC, bm)
	resolver := NewResolver(inodeC, dir, bm, sb.RootInum)

	root, err := inodeC.Get(sb.RootInum)
	if err != nil {
		return nil, err
	}
	rootStat := root.Stat()
	inodeC.Put(root)
	if rootStat.Type != TypeDir {
		return nil, newErr("MountImage: root inode is not a directory", KindCorruption)
	}

	m = &Mount{
		dev: dev, cache: cache, inodeA: inodeA, inodeC: inodeC,
		dataA: dataA, journal: jr, bm: bm, dir: dir, resolve: resolver,
		stats: NewStats(), layout: lay, rootInum: sb.RootInum, readOnly: readOnly,
		sb: sb,
	}
	m.ckptCond = sync.NewCond(&m.ckptMu)

	if !readOnly {
		sb.MountCount++
		sb.Clean = 0
		sb.MountTime = time.Now().Unix()
		if err = dev.StoreSuperblock(sb); err != nil {
			return nil, err
		}
		m.ckptDone = make(chan struct{})
		go m.checkpointerLoop()
	}

	return m, nil
}

func (m *Mount) RootInum() uint32          { return m.rootInum }
func (m *Mount) InodeCache() *InodeCache   { return m.inodeC }
func (m *Mount) Dir() *Dir                 { return m.dir }
func (m *Mount) Resolver() *Resolver       { return m.resolve }
func (m *Mount) Stats() *Stats             { return m.stats }
func (m *Mount) BlockMapper() *blockMapper { return m.bm }
func (m *Mount) Journal() *Journal         { return m.journal }
func (m *Mount) ReadOnly() bool            { return m.readOnly }

// checkpointerLoop sleeps on ckptCond with a 30-second timeout; on timeout
// it runs a journal checkpoint and a bitmap sync, on a signaled wake it
// checks the shutdown flag and exits. Since sync.Cond has no native timed
// wait, a side goroutine broadcasts on the same condition variable every
// 30 seconds, and Close broadcasts once more when it sets the shutdown
// flag, so the worker never needs to distinguish timeout from signal
// itself beyond checking the flag. The flag is checked before every wait
// as well as after each wake, so a broadcast sent while the worker is busy
// checkpointing is not lost.
func (m *Mount) checkpointerLoop() {
	defer close(m.ckptDone)

	tickerDone := make(chan struct{})
	go func() {
		t := time.NewTicker(checkpointerInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.ckptMu.Lock()
				m.ckptCond.Broadcast()
				m.ckptMu.Unlock()
			case <-tickerDone:
				return
			}
		}
	}()
	defer close(tickerDone)

	m.ckptMu.Lock()
	defer m.ckptMu.Unlock()
	for !m.stopping {
		m.ckptCond.Wait()
		if m.stopping {
			return
		}
		m.ckptMu.Unlock()
		if _, err := m.journal.Checkpoint(); err == nil {
			m.dataA.Sync()
		}
		m.ckptMu.Lock()
	}
}

// Sync flushes the full stack in dependency order: journal checkpoint,
// extent bitmap sync, inode cache writeback, inode bitmap sync, then an
// image-level fsync. Read-only mounts are a no-op.
func (m *Mount) Sync() error {
	if m.readOnly {
		return nil
	}
	if m.journal != nil {
		if _, err := m.journal.Checkpoint(); err != nil {
			return err
		}
	}
	if err := m.dataA.Sync(); err != nil {
		return err
	}
	if err := m.inodeC.SyncAll(); err != nil {
		return err
	}
	if err := m.inodeA.Sync(); err != nil {
		return err
	}
	// Directory-entry writes and inode writeback above go straight through
	// the cache with no transaction backing them; checkpoint only flushes
	// the cache when a journal transaction was actually pending, so a
	// direct flush here is the only thing that guarantees they reach disk.
	if err := m.cache.Sync(m.dev); err != nil {
		return err
	}

	_, freeBlocks, _ := m.dataA.Stats()
	_, freeInodes := m.inodeA.Stats()
	m.stats.SetFreeBlocks(uint64(freeBlocks))
	m.stats.SetFreeInodes(uint64(freeInodes))
	m.sb.FreeBlocks = freeBlocks
	m.sb.FreeInodes = freeInodes
	m.sb.WriteTime = time.Now().Unix()
	m.sb.Clean = 1
	if err := m.dev.StoreSuperblock(m.sb); err != nil {
		return err
	}

	return m.dev.Sync()
}

// Close signals the checkpointer to exit, joins it, performs a final sync
// (if writable), and closes the underlying block device. Teardown order is
// the reverse of MountImage's init order.
func (m *Mount) Close() error {
	if !m.readOnly {
		m.ckptMu.Lock()
		m.stopping = true
		m.ckptCond.Broadcast()
		m.ckptMu.Unlock()
		<-m.ckptDone

		if err := m.Sync(); err != nil {
			m.dev.Close()
			return err
		}
	}
	return m.dev.Close()
}
