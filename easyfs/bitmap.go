package easyfs

// bitsPerBlock is the number of allocation bits one 512-byte bitmap
// block holds (64 bits per u64 word, 64 words per block).
const bitsPerBlock = BlockSize * 8
const wordsPerBlock = BlockSize / 8

// Bitmap is a contiguous run of blocks, each holding bitsPerBlock
// allocation bits, scanned 64 bits (one u64 word) at a time exactly as
// original_source/easy-fs/src/bitmap.rs's decomposition describes.
type Bitmap struct {
	startBlock int
	blocks     int
}

// NewBitmap describes a bitmap occupying blocks [startBlock, startBlock+blocks).
func NewBitmap(startBlock, blocks int) Bitmap {
	return Bitmap{startBlock: startBlock, blocks: blocks}
}

// Alloc finds the first clear bit, sets it, and returns its global bit
// position, or -1 if the bitmap is full.
func (b Bitmap) Alloc(mgr *CacheManager) int {
	for blockOff := 0; blockOff < b.blocks; blockOff++ {
		h := mgr.Get(b.startBlock + blockOff)
		found := -1
		h.Block().Modify(0, func(buf []byte) {
			for word := 0; word < wordsPerBlock; word++ {
				v := getWord(buf, word)
				if v == ^uint64(0) {
					continue
				}
				bit := firstZeroBit(v)
				setWord(buf, word, v|(1<<uint(bit)))
				found = blockOff*bitsPerBlock + word*64 + bit
				return
			}
		})
		h.Release()
		if found >= 0 {
			return found
		}
	}
	return -1
}

// Dealloc clears the bit at the given global bit position. Panics if
// the bit was already clear, mirroring the original's assert.
func (b Bitmap) Dealloc(mgr *CacheManager, bitPos int) {
	blockOff := bitPos / bitsPerBlock
	inBlock := bitPos % bitsPerBlock
	word := inBlock / 64
	bit := inBlock % 64

	h := mgr.Get(b.startBlock + blockOff)
	h.Block().Modify(0, func(buf []byte) {
		v := getWord(buf, word)
		if v&(1<<uint(bit)) == 0 {
			corrupt("double-free of bitmap bit %d", bitPos)
		}
		setWord(buf, word, v&^(1<<uint(bit)))
	})
	h.Release()
}

// MaxBits returns the total number of bits this bitmap addresses.
func (b Bitmap) MaxBits() int { return b.blocks * bitsPerBlock }

func getWord(buf []byte, word int) uint64 {
	return byteOrder.Uint64(buf[word*8:])
}

func setWord(buf []byte, word int, v uint64) {
	byteOrder.PutUint64(buf[word*8:], v)
}

// firstZeroBit returns the position of the lowest clear bit in v (v is
// not all-ones, guaranteed by the caller).
func firstZeroBit(v uint64) int {
	inv := ^v
	for i := 0; i < 64; i++ {
		if inv&(1<<uint(i)) != 0 {
			return i
		}
	}
	panic("unreachable: caller guarantees v != ^uint64(0)")
}
