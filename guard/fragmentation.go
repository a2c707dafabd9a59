package guard

import (
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/memutils"
)

const (
	defaultFragmentationBlockSize = 4096
	defaultFragmentationMaxCells  = 256 * 1024
	defaultFragmentationRowWidth  = 512

	fullCell byte = 255
)

// FragmentationOptions controls the occupancy map rendered by DumpFragmentationGraph. It is valid to
// leave all fields blank.
type FragmentationOptions struct {
	// BlockSize is the number of bytes each cell represents. It is doubled as many times as needed
	// for the managed ranges to fit into MaxCells.
	BlockSize int
	// MaxCells is the size of the preallocated occupancy array
	MaxCells int
	// RowWidth is the width in pixels of the rendered image
	RowWidth int
	// UnusableBytes marks this many bytes at the end of the managed ranges as permanently occupied,
	// to stand in for memory the process cannot use
	UnusableBytes int
}

func (o *FragmentationOptions) applyDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = defaultFragmentationBlockSize
	}
	if o.MaxCells <= 0 {
		o.MaxCells = defaultFragmentationMaxCells
	}
	if o.RowWidth <= 0 {
		o.RowWidth = defaultFragmentationRowWidth
	}
	if o.UnusableBytes < 0 {
		o.UnusableBytes = 0
	}
}

// AllocationSource produces allocations to plot. AllocationIterator implements it.
type AllocationSource interface {
	Next() (AllocationMetadata, bool)
}

// FragmentationReport summarizes the most recent FragmentationMap.Build
type FragmentationReport struct {
	// BlockSize is the number of bytes per cell actually used
	BlockSize int
	// Cells is the number of cells covering the managed ranges
	Cells int
	// UsedCells is the number of cells touched by at least one reservation, or marked unusable
	UsedCells int
	// LargestFreeRun is the length in cells of the longest run of untouched cells within a single range
	LargestFreeRun int
	// LargestFreeRunAddress is the first address of that run
	LargestFreeRunAddress uintptr
}

// LargestFreeBytes is the size in bytes of the longest run of untouched cells
func (r FragmentationReport) LargestFreeBytes() int {
	return r.LargestFreeRun * r.BlockSize
}

// FragmentationMap is a preallocated one-byte-per-cell occupancy map over the address ranges managed by
// a backend. Building and rendering it do not allocate, so it can run while the heap is exhausted.
type FragmentationMap struct {
	options FragmentationOptions
	cells   []byte

	blockSize  int
	cellCount  int
	ranges     [memutils.MaxAddressRanges]memutils.AddressRange
	rangeCells [memutils.MaxAddressRanges]int
	rangeCount int

	header [64]byte
}

func NewFragmentationMap(options FragmentationOptions) *FragmentationMap {
	options.applyDefaults()

	return &FragmentationMap{
		options: options,
		cells:   make([]byte, options.MaxCells),
	}
}

// Cells returns the occupancy of each cell from the last Build. The slice is reused by the next Build.
func (m *FragmentationMap) Cells() []byte {
	return m.cells[:m.cellCount]
}

func (m *FragmentationMap) cellsFor(size int) int {
	return (size + m.blockSize - 1) / m.blockSize
}

// Build maps ranges end to end onto the cell array and marks the reservation of every allocation from
// source. A cell's value is proportional to the bytes of it covered by reservations, saturating at 255.
func (m *FragmentationMap) Build(ranges []memutils.AddressRange, source AllocationSource) FragmentationReport {
	m.rangeCount = 0
	for _, r := range ranges {
		if m.rangeCount == len(m.ranges) {
			break
		}
		if r.Size() == 0 {
			continue
		}
		m.ranges[m.rangeCount] = r
		m.rangeCount++
	}

	m.blockSize = m.options.BlockSize
	for {
		m.cellCount = 0
		for i := 0; i < m.rangeCount; i++ {
			m.rangeCells[i] = m.cellsFor(m.ranges[i].Size())
			m.cellCount += m.rangeCells[i]
		}

		if m.cellCount <= len(m.cells) {
			break
		}
		m.blockSize *= 2
	}

	cells := m.cells[:m.cellCount]
	clear(cells)

	for {
		metadata, ok := source.Next()
		if !ok {
			break
		}

		m.mark(metadata.BasePtr, metadata.SizeReserved)
	}

	if unusable := m.options.UnusableBytes; unusable > 0 {
		unusableCells := min(m.cellsFor(unusable), m.cellCount)
		for i := m.cellCount - unusableCells; i < m.cellCount; i++ {
			cells[i] = fullCell
		}
	}

	return m.report()
}

func (m *FragmentationMap) mark(start uintptr, size int) {
	if size <= 0 {
		return
	}

	firstCell := 0
	for i := 0; i < m.rangeCount; i++ {
		r := m.ranges[i]
		if !r.Contains(start) {
			firstCell += m.rangeCells[i]
			continue
		}

		end := start + uintptr(size)
		if end > r.End || end < start {
			end = r.End
		}

		blockSize := uintptr(m.blockSize)
		for cell := (start - r.Start) / blockSize; r.Start+cell*blockSize < end; cell++ {
			cellStart := r.Start + cell*blockSize
			cellEnd := cellStart + blockSize

			covered := int(min(end, cellEnd) - max(start, cellStart))
			intensity := (covered*int(fullCell) + m.blockSize - 1) / m.blockSize

			index := firstCell + int(cell)
			m.cells[index] = byte(min(int(m.cells[index])+intensity, int(fullCell)))
		}

		return
	}
}

func (m *FragmentationMap) report() FragmentationReport {
	report := FragmentationReport{
		BlockSize: m.blockSize,
		Cells:     m.cellCount,
	}

	firstCell := 0
	for i := 0; i < m.rangeCount; i++ {
		run := 0
		for cell := 0; cell < m.rangeCells[i]; cell++ {
			if m.cells[firstCell+cell] != 0 {
				report.UsedCells++
				run = 0
				continue
			}

			run++
			if run > report.LargestFreeRun {
				report.LargestFreeRun = run
				report.LargestFreeRunAddress = m.ranges[i].Start + uintptr((cell-run+1)*m.blockSize)
			}
		}
		firstCell += m.rangeCells[i]
	}

	return report
}

var zeroRow [256]byte

// WritePGM renders the cells from the last Build as a binary greyscale PGM image, RowWidth cells per
// row, padding the final row with empty cells
func (m *FragmentationMap) WritePGM(w io.Writer) error {
	width := min(m.options.RowWidth, max(m.cellCount, 1))
	height := (m.cellCount + width - 1) / width
	if height == 0 {
		height = 1
	}

	header := append(m.header[:0], "P5\n"...)
	header = strconv.AppendInt(header, int64(width), 10)
	header = append(header, ' ')
	header = strconv.AppendInt(header, int64(height), 10)
	header = append(header, "\n255\n"...)

	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write image header")
	}

	if _, err := w.Write(m.cells[:m.cellCount]); err != nil {
		return errors.Wrap(err, "write image cells")
	}

	for padding := width*height - m.cellCount; padding > 0; {
		chunk := min(padding, len(zeroRow))
		if _, err := w.Write(zeroRow[:chunk]); err != nil {
			return errors.Wrap(err, "write image padding")
		}
		padding -= chunk
	}

	return nil
}
