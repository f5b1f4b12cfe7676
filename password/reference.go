package password

import (
	"encoding/binary"
	"hash"
	"math/bits"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const (
	blockWords = 128
	syncPoints = 4
)

type block [blockWords]uint64

// ReferenceBackend is a portable Argon2 implementation built directly on
// BLAKE2b. It covers every variant and both versions, at the cost of speed.
type ReferenceBackend struct{}

func (ReferenceBackend) Name() string { return "reference" }

func (ReferenceBackend) Supports(Variant, Version) bool { return true }

func (ReferenceBackend) Key(secret, salt []byte, p Params) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return deriveKey(p.Variant.mode(), uint32(p.Version), secret, salt, p.Time, p.Memory, uint32(p.Parallelism), p.KeyLength), nil
}

func deriveKey(mode, version uint32, secret, salt []byte, time, memory, lanes, keyLen uint32) []byte {
	h0 := initHash(secret, salt, time, memory, lanes, keyLen, mode, version)

	memory = memory / (syncPoints * lanes) * (syncPoints * lanes)
	if memory < 2*syncPoints*lanes {
		memory = 2 * syncPoints * lanes
	}

	blocks := initBlocks(&h0, memory, lanes)
	fillMemory(blocks, time, memory, lanes, mode, version)
	return extractKey(blocks, memory, lanes, keyLen)
}

func initHash(secret, salt []byte, time, memory, lanes, keyLen, mode, version uint32) [blake2b.Size + 8]byte {
	var (
		h0     [blake2b.Size + 8]byte
		params [24]byte
		tmp    [4]byte
	)

	b2, _ := blake2b.New512(nil)
	binary.LittleEndian.PutUint32(params[0:4], lanes)
	binary.LittleEndian.PutUint32(params[4:8], keyLen)
	binary.LittleEndian.PutUint32(params[8:12], memory)
	binary.LittleEndian.PutUint32(params[12:16], time)
	binary.LittleEndian.PutUint32(params[16:20], version)
	binary.LittleEndian.PutUint32(params[20:24], mode)
	b2.Write(params[:])

	// secret key and associated data are unused and hashed as empty inputs
	for _, in := range [][]byte{secret, salt, nil, nil} {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(in)))
		b2.Write(tmp[:])
		b2.Write(in)
	}
	b2.Sum(h0[:0])
	return h0
}

func initBlocks(h0 *[blake2b.Size + 8]byte, memory, lanes uint32) []block {
	var buf [1024]byte
	blocks := make([]block, memory)
	for lane := uint32(0); lane < lanes; lane++ {
		j := lane * (memory / lanes)
		binary.LittleEndian.PutUint32(h0[blake2b.Size+4:], lane)
		for k := uint32(0); k < 2; k++ {
			binary.LittleEndian.PutUint32(h0[blake2b.Size:], k)
			hashPrime(buf[:], h0[:])
			for i := range blocks[j+k] {
				blocks[j+k][i] = binary.LittleEndian.Uint64(buf[i*8:])
			}
		}
	}
	return blocks
}

func fillMemory(blocks []block, time, memory, lanes, mode, version uint32) {
	laneLen := memory / lanes
	segLen := laneLen / syncPoints

	segment := func(pass, slice, lane uint32, wg *sync.WaitGroup) {
		defer wg.Done()

		var addresses, in, zero block
		independent := mode == 1 || (mode == 2 && pass == 0 && slice < syncPoints/2)
		if independent {
			in[0] = uint64(pass)
			in[1] = uint64(lane)
			in[2] = uint64(slice)
			in[3] = uint64(memory)
			in[4] = uint64(time)
			in[5] = uint64(mode)
		}

		index := uint32(0)
		if pass == 0 && slice == 0 {
			// blocks 0 and 1 of each lane come from H0
			index = 2
			if independent {
				nextAddresses(&addresses, &in, &zero)
			}
		}

		offset := lane*laneLen + slice*segLen + index
		for index < segLen {
			prev := offset - 1
			if index == 0 && slice == 0 {
				prev += laneLen
			}

			var rand uint64
			if independent {
				if index%blockWords == 0 {
					nextAddresses(&addresses, &in, &zero)
				}
				rand = addresses[index%blockWords]
			} else {
				rand = blocks[prev][0]
			}

			ref := indexAlpha(rand, laneLen, segLen, lanes, pass, slice, lane, index)
			xor := pass > 0 && version == uint32(Version13)
			compress(&blocks[offset], &blocks[prev], &blocks[ref], xor)
			index, offset = index+1, offset+1
		}
	}

	for pass := uint32(0); pass < time; pass++ {
		for slice := uint32(0); slice < syncPoints; slice++ {
			var wg sync.WaitGroup
			for lane := uint32(0); lane < lanes; lane++ {
				wg.Add(1)
				go segment(pass, slice, lane, &wg)
			}
			wg.Wait()
		}
	}
}

func nextAddresses(addresses, in, zero *block) {
	in[6]++
	compress(addresses, in, zero, false)
	compress(addresses, addresses, zero, false)
}

func indexAlpha(rand uint64, laneLen, segLen, lanes, pass, slice, lane, index uint32) uint32 {
	refLane := uint32(rand>>32) % lanes
	if pass == 0 && slice == 0 {
		refLane = lane
	}

	m, s := 3*segLen, ((slice+1)%syncPoints)*segLen
	if lane == refLane {
		m += index
	}
	if pass == 0 {
		m, s = slice*segLen, 0
		if slice == 0 || lane == refLane {
			m += index
		}
	}
	if index == 0 || lane == refLane {
		m--
	}

	return phi(rand, uint64(m), uint64(s), refLane, laneLen)
}

func phi(rand, m, s uint64, lane, laneLen uint32) uint32 {
	p := rand & 0xFFFFFFFF
	p = (p * p) >> 32
	p = (p * m) >> 32
	return lane*laneLen + uint32((s+m-(p+1))%uint64(laneLen))
}

// compress is the Argon2 G function over whole blocks. With xor set the
// result is folded into out instead of replacing it.
func compress(out, x, y *block, xor bool) {
	var r, q block
	for i := range r {
		r[i] = x[i] ^ y[i]
	}
	q = r

	for i := 0; i < blockWords; i += 16 {
		permute(
			&q[i+0], &q[i+1], &q[i+2], &q[i+3],
			&q[i+4], &q[i+5], &q[i+6], &q[i+7],
			&q[i+8], &q[i+9], &q[i+10], &q[i+11],
			&q[i+12], &q[i+13], &q[i+14], &q[i+15],
		)
	}
	for i := 0; i < blockWords/8; i += 2 {
		permute(
			&q[i], &q[i+1], &q[16+i], &q[16+i+1],
			&q[32+i], &q[32+i+1], &q[48+i], &q[48+i+1],
			&q[64+i], &q[64+i+1], &q[80+i], &q[80+i+1],
			&q[96+i], &q[96+i+1], &q[112+i], &q[112+i+1],
		)
	}

	if xor {
		for i := range out {
			out[i] ^= r[i] ^ q[i]
		}
		return
	}
	for i := range out {
		out[i] = r[i] ^ q[i]
	}
}

func permute(v0, v1, v2, v3, v4, v5, v6, v7, v8, v9, v10, v11, v12, v13, v14, v15 *uint64) {
	mix(v0, v4, v8, v12)
	mix(v1, v5, v9, v13)
	mix(v2, v6, v10, v14)
	mix(v3, v7, v11, v15)

	mix(v0, v5, v10, v15)
	mix(v1, v6, v11, v12)
	mix(v2, v7, v8, v13)
	mix(v3, v4, v9, v14)
}

func fBlaMka(x, y uint64) uint64 {
	return x + y + 2*uint64(uint32(x))*uint64(uint32(y))
}

func mix(a, b, c, d *uint64) {
	*a = fBlaMka(*a, *b)
	*d = bits.RotateLeft64(*d^*a, -32)
	*c = fBlaMka(*c, *d)
	*b = bits.RotateLeft64(*b^*c, -24)
	*a = fBlaMka(*a, *b)
	*d = bits.RotateLeft64(*d^*a, -16)
	*c = fBlaMka(*c, *d)
	*b = bits.RotateLeft64(*b^*c, -63)
}

func extractKey(blocks []block, memory, lanes, keyLen uint32) []byte {
	laneLen := memory / lanes
	final := &blocks[memory-1]
	for lane := uint32(0); lane < lanes-1; lane++ {
		for i, v := range blocks[lane*laneLen+laneLen-1] {
			final[i] ^= v
		}
	}

	var buf [1024]byte
	for i, v := range final {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	key := make([]byte, keyLen)
	hashPrime(key, buf[:])
	return key
}

// hashPrime is the variable-length hash H' built from BLAKE2b.
func hashPrime(out []byte, in []byte) {
	var b2 hash.Hash
	if n := len(out); n < blake2b.Size {
		b2, _ = blake2b.New(n, nil)
	} else {
		b2, _ = blake2b.New512(nil)
	}

	var buffer [blake2b.Size]byte
	binary.LittleEndian.PutUint32(buffer[:4], uint32(len(out)))
	b2.Write(buffer[:4])
	b2.Write(in)

	if len(out) <= blake2b.Size {
		b2.Sum(out[:0])
		return
	}

	outLen := len(out)
	b2.Sum(buffer[:0])
	b2.Reset()
	copy(out, buffer[:32])
	out = out[32:]
	for len(out) > blake2b.Size {
		b2.Write(buffer[:])
		b2.Sum(buffer[:0])
		copy(out, buffer[:32])
		out = out[32:]
		b2.Reset()
	}

	if outLen%blake2b.Size > 0 {
		r := ((outLen + 31) / 32) - 2
		b2, _ = blake2b.New(outLen-32*r, nil)
	}
	b2.Write(buffer[:])
	b2.Sum(out[:0])
}
