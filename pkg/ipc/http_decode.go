package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	maxBodyBytesTiny    int64 = 64 << 10
	maxBodyBytesMessage int64 = 16 << 20
)

var errInvalidRequest = errors.New("invalid request")

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("%w: request body required", errInvalidRequest)
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEOF && errors.Is(err, io.EOF) {
			return 0, nil
		}
		if status, sizeErr := bodyTooLarge(err, maxBytes); sizeErr != nil {
			return status, sizeErr
		}
		return http.StatusBadRequest, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return 0, nil
}

// readBody reads a raw request body bounded by maxBytes.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, int, error) {
	if r == nil || r.Body == nil {
		return nil, http.StatusBadRequest, fmt.Errorf("%w: request body required", errInvalidRequest)
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if status, sizeErr := bodyTooLarge(err, maxBytes); sizeErr != nil {
			return nil, status, sizeErr
		}
		return nil, http.StatusBadRequest, err
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("%w: request body required", errInvalidRequest)
	}
	return data, 0, nil
}

func bodyTooLarge(err error, maxBytes int64) (int, error) {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return 0, nil
	}
	if maxBytes > 0 {
		return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
	}
	return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large")
}
