package elog

import "crypto/sha256"

// The logbook authenticates with an upwd cookie holding the SHA-crypt
// hash of the password with an empty salt and the default 5000 rounds,
// minus the "$5$$" prefix. No maintained Go module exposes the crypt(3)
// SHA-256 scheme, so the algorithm is implemented here against the
// published specification.

const (
	shaCryptRounds = 5000

	// crypt(3) base64 alphabet, not the RFC 4648 one.
	cryptAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// CookieHash returns the upwd cookie value for a plaintext password.
func CookieHash(password string) string {
	return shaCrypt256([]byte(password), nil, shaCryptRounds)
}

// NormalizeHash accepts either a plaintext-derived full crypt string or
// an already stripped hash and returns the cookie form.
func NormalizeHash(stored string) string {
	if len(stored) > 4 && stored[:4] == "$5$$" {
		return stored[4:]
	}
	return stored
}

// shaCrypt256 runs the SHA-crypt algorithm and returns the encoded
// checksum without the "$5$<salt>$" prefix.
func shaCrypt256(key, salt []byte, rounds int) string {
	// Digest B: key, salt, key.
	b := sha256.New()
	b.Write(key)
	b.Write(salt)
	b.Write(key)
	digestB := b.Sum(nil)

	// Digest A: key, salt, then digest B repeated to the key length,
	// then for each bit of the key length either B or the key.
	a := sha256.New()
	a.Write(key)
	a.Write(salt)
	cnt := len(key)
	for ; cnt > 32; cnt -= 32 {
		a.Write(digestB)
	}
	// The remainder is a full block when the key length is a multiple
	// of 32, not an empty one.
	a.Write(digestB[:cnt])
	for cnt := len(key); cnt > 0; cnt >>= 1 {
		if cnt&1 != 0 {
			a.Write(digestB)
		} else {
			a.Write(key)
		}
	}
	digestA := a.Sum(nil)

	// Sequence P from the key.
	dp := sha256.New()
	for i := 0; i < len(key); i++ {
		dp.Write(key)
	}
	digestDP := dp.Sum(nil)
	p := repeatTo(digestDP, len(key))

	// Sequence S from the salt, seeded by digest A.
	ds := sha256.New()
	for i := 0; i < 16+int(digestA[0]); i++ {
		ds.Write(salt)
	}
	digestDS := ds.Sum(nil)
	s := repeatTo(digestDS, len(salt))

	// Rounds.
	c := digestA
	for i := 0; i < rounds; i++ {
		h := sha256.New()
		if i&1 != 0 {
			h.Write(p)
		} else {
			h.Write(c)
		}
		if i%3 != 0 {
			h.Write(s)
		}
		if i%7 != 0 {
			h.Write(p)
		}
		if i&1 != 0 {
			h.Write(c)
		} else {
			h.Write(p)
		}
		c = h.Sum(nil)
	}

	return encodeCrypt256(c)
}

func repeatTo(block []byte, n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		remaining := n - len(out)
		if remaining >= len(block) {
			out = append(out, block...)
		} else {
			out = append(out, block[:remaining]...)
		}
	}
	return out
}

// encodeCrypt256 applies the SHA-256-crypt byte permutation and the
// crypt base64 encoding, producing the 43-character checksum.
func encodeCrypt256(d []byte) string {
	var out []byte
	b64 := func(b2, b1, b0 byte, n int) {
		w := uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
		for i := 0; i < n; i++ {
			out = append(out, cryptAlphabet[w&0x3f])
			w >>= 6
		}
	}

	b64(d[0], d[10], d[20], 4)
	b64(d[21], d[1], d[11], 4)
	b64(d[12], d[22], d[2], 4)
	b64(d[3], d[13], d[23], 4)
	b64(d[24], d[4], d[14], 4)
	b64(d[15], d[25], d[5], 4)
	b64(d[6], d[16], d[26], 4)
	b64(d[27], d[7], d[17], 4)
	b64(d[18], d[28], d[8], 4)
	b64(d[9], d[19], d[29], 4)
	b64(0, d[31], d[30], 3)

	return string(out)
}
