package clip

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

// RIFF/AVI layout. The header is fixed at 224 bytes; only the size and
// count fields listed below are rewritten on close.
const (
	aviHeaderSize  = 224
	hdrlListSize   = 192
	strlListSize   = 116
	avihOffset     = 32  // avih data
	strhOffset     = 108 // strh data
	moviListOffset = 212 // 'LIST' of the movi list

	riffSizeOffset        = 4
	moviSizeOffset        = moviListOffset + 4
	avihMaxBytesOffset    = avihOffset + 4
	avihFlagsOffset       = avihOffset + 12
	avihTotalFramesOffset = avihOffset + 16
	strhLengthOffset      = strhOffset + 32

	avifHasIndex  = 0x10
	aviifKeyframe = 0x10

	indexEntrySize = 16
	aviBufferSize  = 64 * 1024
)

var (
	fccRIFF = [4]byte{'R', 'I', 'F', 'F'}
	fccAVI  = [4]byte{'A', 'V', 'I', ' '}
	fccLIST = [4]byte{'L', 'I', 'S', 'T'}
	fccHdrl = [4]byte{'h', 'd', 'r', 'l'}
	fccAvih = [4]byte{'a', 'v', 'i', 'h'}
	fccStrl = [4]byte{'s', 't', 'r', 'l'}
	fccStrh = [4]byte{'s', 't', 'r', 'h'}
	fccStrf = [4]byte{'s', 't', 'r', 'f'}
	fccMovi = [4]byte{'m', 'o', 'v', 'i'}
	fccVids = [4]byte{'v', 'i', 'd', 's'}
	fccMJPG = [4]byte{'M', 'J', 'P', 'G'}
	fcc00dc = [4]byte{'0', '0', 'd', 'c'}
	fccIdx1 = [4]byte{'i', 'd', 'x', '1'}
)

// NOTE: field order is the on-disk layout.
type mainHeader struct {
	MicroSecPerFrame    uint32
	MaxBytesPerSec      uint32
	PaddingGranularity  uint32
	Flags               uint32
	TotalFrames         uint32
	InitialFrames       uint32
	Streams             uint32
	SuggestedBufferSize uint32
	Width               uint32
	Height              uint32
	Reserved            [4]uint32
}

type streamHeader struct {
	Type                [4]byte
	Handler             [4]byte
	Flags               uint32
	Priority            uint16
	Language            uint16
	InitialFrames       uint32
	Scale               uint32
	Rate                uint32
	Start               uint32
	Length              uint32
	SuggestedBufferSize uint32
	Quality             uint32
	SampleSize          uint32
	Frame               [4]int16
}

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   [4]byte
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type indexEntry struct {
	ChunkID [4]byte
	Flags   uint32
	Offset  uint32
	Length  uint32
}

// AVIWriter muxes JPEG frames into a motion-JPEG AVI file. The header is
// written with placeholders on Begin and patched in place on End.
type AVIWriter struct {
	dir      Dir
	width    int
	height   int
	fps      int
	capacity int
	logger   recorderlog.Logger

	file   *os.File
	writer *bufio.Writer
	id     string
	pos    int64
	index  []indexEntry
	size   int64
}

// NewAVIWriter creates a writer whose index holds up to capacity frames.
func NewAVIWriter(dir Dir, width, height, fps, capacity int) *AVIWriter {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &AVIWriter{
		dir:      dir,
		width:    width,
		height:   height,
		fps:      fps,
		capacity: capacity,
		logger:   recorderlog.L().Named("avi-writer"),
	}
}

func (w *AVIWriter) Ext() string                { return ExtAVI }
func (w *AVIWriter) Format() camera.PixelFormat { return camera.FormatJPEG }
func (w *AVIWriter) Frames() int                { return len(w.index) }
func (w *AVIWriter) Bytes() int64               { return w.size }
func (w *AVIWriter) Capacity() int              { return w.capacity }

// Begin creates the clip file and writes the 224-byte header.
func (w *AVIWriter) Begin(id string) error {
	if w.file != nil {
		return ErrAlreadyOpen
	}
	if w.capacity <= 0 {
		return fmt.Errorf("invalid index capacity %d", w.capacity)
	}

	path := w.dir.PartialPath(id, ExtAVI)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create clip %s: %w", path, err)
	}

	header, err := w.header()
	if err != nil {
		f.Close()
		return err
	}

	bw := bufio.NewWriterSize(f, aviBufferSize)
	if _, err := bw.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("failed to write avi header: %w", err)
	}

	w.file = f
	w.writer = bw
	w.id = id
	w.pos = aviHeaderSize
	w.size = 0
	if w.index == nil || cap(w.index) != w.capacity {
		w.index = make([]indexEntry, 0, w.capacity)
	} else {
		w.index = w.index[:0]
	}

	w.logger.Info("Clip opened",
		recorderlog.String("path", path),
		recorderlog.Int("width", w.width),
		recorderlog.Int("height", w.height),
		recorderlog.Int("fps", w.fps))
	return nil
}

func (w *AVIWriter) header() ([]byte, error) {
	wh := uint32(w.width * w.height)
	buf := bytes.NewBuffer(make([]byte, 0, aviHeaderSize))
	le := binary.LittleEndian

	parts := []any{
		fccRIFF, uint32(0), fccAVI,
		fccLIST, uint32(hdrlListSize), fccHdrl,
		fccAvih, uint32(binary.Size(mainHeader{})),
		mainHeader{
			MicroSecPerFrame:    uint32(1000000 / w.fps),
			Streams:             1,
			SuggestedBufferSize: wh * 3 / 2,
			Width:               uint32(w.width),
			Height:              uint32(w.height),
		},
		fccLIST, uint32(strlListSize), fccStrl,
		fccStrh, uint32(binary.Size(streamHeader{})),
		streamHeader{
			Type:                fccVids,
			Handler:             fccMJPG,
			Scale:               1,
			Rate:                uint32(w.fps),
			SuggestedBufferSize: wh * 3 / 2,
			Quality:             0xFFFFFFFF,
			Frame:               [4]int16{0, 0, int16(w.width), int16(w.height)},
		},
		fccStrf, uint32(binary.Size(bitmapInfoHeader{})),
		bitmapInfoHeader{
			Size:        40,
			Width:       int32(w.width),
			Height:      int32(w.height),
			Planes:      1,
			BitCount:    24,
			Compression: fccMJPG,
			SizeImage:   wh * 3,
		},
		fccLIST, uint32(0), fccMovi,
	}
	for _, p := range parts {
		if err := binary.Write(buf, le, p); err != nil {
			return nil, fmt.Errorf("failed to encode avi header: %w", err)
		}
	}
	if buf.Len() != aviHeaderSize {
		return nil, fmt.Errorf("avi header is %d bytes, want %d", buf.Len(), aviHeaderSize)
	}
	return buf.Bytes(), nil
}

// WriteFrame appends a 00dc chunk and records its index entry. Once the
// index is full it returns ErrIndexFull and leaves the file untouched.
func (w *AVIWriter) WriteFrame(f *camera.Frame) error {
	if w.file == nil {
		return ErrNotOpen
	}
	if len(w.index) >= w.capacity {
		return ErrIndexFull
	}

	n := len(f.Data)
	var hdr [8]byte
	copy(hdr[:4], fcc00dc[:])
	binary.LittleEndian.PutUint32(hdr[4:], uint32(n))

	offset := w.pos - moviListOffset
	if _, err := w.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write chunk header: %w", err)
	}
	if _, err := w.writer.Write(f.Data); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", len(w.index), err)
	}
	written := int64(8 + n)
	if n&1 == 1 {
		if err := w.writer.WriteByte(0); err != nil {
			return fmt.Errorf("failed to pad frame %d: %w", len(w.index), err)
		}
		written++
	}
	w.pos += written

	w.index = append(w.index, indexEntry{
		ChunkID: fcc00dc,
		Flags:   aviifKeyframe,
		Offset:  uint32(offset),
		Length:  uint32(n),
	})
	return nil
}

// End appends the idx1 chunk, patches the header totals, closes the file
// and publishes it under its final name. A file that failed to finalize is
// still published so its frames stay eligible for upload.
func (w *AVIWriter) End() error {
	if w.file == nil {
		return ErrNotOpen
	}
	err := w.finalize()
	w.file = nil
	w.writer = nil
	if perr := w.dir.publish(w.id, ExtAVI); perr != nil {
		return errors.Join(err, perr)
	}
	if err != nil {
		return err
	}
	w.logger.Info("Clip closed",
		recorderlog.String("clip", w.id),
		recorderlog.Int("frames", len(w.index)),
		recorderlog.Int64("bytes", w.size))
	return nil
}

func (w *AVIWriter) finalize() error {
	count := uint32(len(w.index))
	moviEnd := w.pos

	var hdr [8]byte
	copy(hdr[:4], fccIdx1[:])
	binary.LittleEndian.PutUint32(hdr[4:], count*indexEntrySize)
	if _, err := w.writer.Write(hdr[:]); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write idx1 header: %w", err)
	}
	if err := binary.Write(w.writer, binary.LittleEndian, w.index); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write idx1: %w", err)
	}
	fileEnd := moviEnd + 8 + int64(count)*indexEntrySize

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush clip: %w", err)
	}

	var maxBytesPerSec uint32
	if count > 0 {
		videoBytes := uint64(moviEnd - moviListOffset - 12)
		durMs := uint64(count) * 1000 / uint64(w.fps)
		if durMs > 0 {
			maxBytesPerSec = uint32(videoBytes * 1000 / durMs)
		}
	}

	patches := []struct {
		offset int64
		value  uint32
	}{
		{riffSizeOffset, uint32(fileEnd - 8)},
		{moviSizeOffset, uint32(moviEnd - moviListOffset - 8)},
		{avihMaxBytesOffset, maxBytesPerSec},
		{avihFlagsOffset, avifHasIndex},
		{avihTotalFramesOffset, count},
		{strhLengthOffset, count},
	}
	for _, p := range patches {
		if err := patchUint32(w.file, p.offset, p.value); err != nil {
			w.file.Close()
			return err
		}
	}

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync clip: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close clip: %w", err)
	}
	w.size = fileEnd
	return nil
}

func patchUint32(f io.WriteSeeker, offset int64, v uint32) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to %d: %w", offset, err)
	}
	if err := binary.Write(f, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("failed to patch offset %d: %w", offset, err)
	}
	return nil
}
