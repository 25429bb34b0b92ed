package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

type loginRequest struct {
	Username string
	Password string
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLogin(jx.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), 1024))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("token")
		e.Str(session.Token)
		e.FieldStart("type")
		e.Str("Bearer")
		e.FieldStart("userId")
		e.Int64(session.UserID)
		e.FieldStart("username")
		e.Str(session.Username)
		e.ObjEnd()
	})
}

func decodeLogin(d *jx.Decoder) (loginRequest, error) {
	var req loginRequest
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var err error
		switch string(key) {
		case "username":
			req.Username, err = d.Str()
		case "password":
			req.Password, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return loginRequest{}, &malformedBodyError{err: err}
	}

	var verr validationError
	if req.Username == "" {
		verr.add("Username is required")
	}
	if req.Password == "" {
		verr.add("Password is required")
	}
	return req, verr.orNil()
}
