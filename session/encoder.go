package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const sessionFormatVersion1 = 1

var ErrSessionCorrupt = errors.New("session record corrupt")

func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(192 + len(s.UserAgent))

	buf.WriteByte(sessionFormatVersion1)

	for _, field := range []string{
		s.UserID,
		s.DeviceName,
		s.DeviceType,
		s.UserAgent,
		s.IP,
		s.Fingerprint,
		s.BanReason,
	} {
		if len(field) > 255 {
			return nil, errors.New("session field too long")
		}
		buf.WriteByte(byte(len(field)))
		buf.WriteString(field)
	}

	buf.Write(s.RefreshHash[:])
	buf.Write(s.BindingHash[:])

	var flags byte
	if s.Banned {
		flags |= 1
	}
	buf.WriteByte(flags)

	for _, ts := range []int64{s.CreatedAt, s.LastActiveAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	if version != sessionFormatVersion1 {
		return nil, fmt.Errorf("%w: unknown version %d", ErrSessionCorrupt, version)
	}

	s := &Session{}
	for _, dst := range []*string{
		&s.UserID,
		&s.DeviceName,
		&s.DeviceType,
		&s.UserAgent,
		&s.IP,
		&s.Fingerprint,
		&s.BanReason,
	} {
		if *dst, err = readString(reader); err != nil {
			return nil, ErrSessionCorrupt
		}
	}

	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, ErrSessionCorrupt
	}
	if _, err := io.ReadFull(reader, s.BindingHash[:]); err != nil {
		return nil, ErrSessionCorrupt
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	s.Banned = flags&1 == 1

	for _, ts := range []*int64{&s.CreatedAt, &s.LastActiveAt, &s.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, ErrSessionCorrupt
		}
	}

	if reader.Len() != 0 {
		return nil, ErrSessionCorrupt
	}

	return s, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
