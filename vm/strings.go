package vm

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Guest pointers below the first mapped block or inside the top reserved
// area are never valid string addresses.
const (
	stringMinAddr = 0x10000
	stringMaxAddr = 0xf0000000
)

// peek reads the byte at addr if it is readable. The caller holds a lock.
func (s *Space) peek(addr uint32) (byte, bool) {
	if !s.CheckAddr(addr, 1, PageReadable) {
		return 0, false
	}
	return s.view(addr)[0], true
}

func invalidAddress(addr uint32) string {
	return fmt.Sprintf("«INVALID_ADDRESS:0x%x»", addr)
}

// FormatCString renders the NUL-terminated guest string at addr for logs.
// The result is «NULL» for a null pointer, «INVALID_ADDRESS:0x...» when any
// byte up to the terminator is unreadable, or the text in curly quotes with
// invalid UTF-8 replaced by U+FFFD.
func (s *Space) FormatCString(t *Thread, addr uint32) string {
	if addr == 0 {
		return "«NULL»"
	}
	if addr < stringMinAddr || addr >= stringMaxAddr {
		return invalidAddress(addr)
	}

	l := s.LockReader(t)
	defer l.Unlock()

	var raw []byte
	for p := uint64(addr); ; p++ {
		if p >= 1<<32 {
			return invalidAddress(addr)
		}
		c, ok := s.peek(uint32(p))
		if !ok {
			return invalidAddress(addr)
		}
		if c == 0 {
			break
		}
		raw = append(raw, c)
	}

	text, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		text = raw
	}

	var sb strings.Builder
	sb.WriteString("“")
	sb.Write(text)
	sb.WriteString("”")
	return sb.String()
}

// ReadUTF16 decodes a big-endian UTF-16 guest string of at most maxUnits code
// units, stopping early at a zero unit. It reports false when the string
// runs into unreadable memory.
func (s *Space) ReadUTF16(t *Thread, addr, maxUnits uint32) (string, bool) {
	l := s.LockReader(t)
	defer l.Unlock()

	raw := make([]byte, 0, 64)
	for i := uint32(0); i < maxUnits; i++ {
		p := uint64(addr) + uint64(i)*2
		if p+2 > 1<<32 {
			return "", false
		}
		hi, ok1 := s.peek(uint32(p))
		lo, ok2 := s.peek(uint32(p + 1))
		if !ok1 || !ok2 {
			return "", false
		}
		if hi == 0 && lo == 0 {
			break
		}
		raw = append(raw, hi, lo)
	}

	dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(out), true
}
