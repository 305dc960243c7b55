package auth

import (
	"errors"
	"strconv"
)

func jwtSubject(id uint) string { return strconv.FormatUint(uint64(id), 10) }

func parseSubject(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, errors.New("bad subject")
	}
	return uint(n), nil
}
