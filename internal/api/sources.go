package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/etlmon/backend/internal/core"
)

// sourceRequest is the write DTO. The password travels in the request only;
// responses never echo it.
type sourceRequest struct {
	DBCode   string      `json:"db_code"`
	DBType   core.DBType `json:"db_type"`
	Host     string      `json:"host"`
	Port     int         `json:"port"`
	DBName   string      `json:"db_name"`
	UserName string      `json:"user_name"`
	Password string      `json:"password"`
}

func (req *sourceRequest) validate() error {
	if req.DBCode == "" {
		return core.Errf(core.CodeValidation, "db_code is required")
	}
	if req.DBType != core.MySQL && req.DBType != core.PostgreSQL {
		return core.Errf(core.CodeValidation, "unsupported db_type %q", req.DBType)
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		return core.Errf(core.CodeValidation, "host and a valid port are required")
	}
	if req.DBName == "" || req.UserName == "" {
		return core.Errf(core.CodeValidation, "db_name and user_name are required")
	}
	return nil
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	src, err := s.decodeSource(r, true)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.store.InsertSourceDatabase(r.Context(), src)
	if err != nil {
		writeError(w, err)
		return
	}
	src.ID = id
	src.Password = ""
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	code := mux.Vars(r)["code"]
	src, err := s.decodeSource(r, false)
	if err != nil {
		writeError(w, err)
		return
	}
	src.DBCode = code
	if src.Password == "" {
		// Keep the stored credential when the caller omits it.
		current, err := s.store.GetSourceDatabase(r.Context(), code)
		if err != nil {
			writeError(w, err)
			return
		}
		src.Password = current.Password
	}
	if err := s.store.UpdateSourceDatabase(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	s.sources.Invalidate(code)
	src.Password = ""
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSourceDatabase(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err)
		return
	}
	src.Password = ""
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListSourceDatabases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, src := range out {
		src.Password = ""
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	code := mux.Vars(r)["code"]
	if err := s.store.DeleteSourceDatabase(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	s.sources.Invalidate(code)
	writeJSON(w, http.StatusOK, map[string]string{"db_code": code, "status": "deleted"})
}

// handleReloadSource drops the cached connection pool so the next query
// picks up changed credentials.
func (s *Server) handleReloadSource(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	code := mux.Vars(r)["code"]
	if _, err := s.store.GetSourceDatabase(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	s.sources.Invalidate(code)
	writeJSON(w, http.StatusOK, map[string]string{"db_code": code, "status": "reloaded"})
}

func (s *Server) handlePingSource(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if err := s.sources.Ping(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"db_code": code, "status": "reachable"})
}

func (s *Server) decodeSource(r *http.Request, passwordRequired bool) (*core.SourceDatabase, error) {
	var req sourceRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if passwordRequired && req.Password == "" {
		return nil, core.Errf(core.CodeValidation, "password is required")
	}

	encrypted := ""
	if req.Password != "" {
		var err error
		encrypted, err = s.codec.Encrypt(req.Password)
		if err != nil {
			return nil, err
		}
	}
	return &core.SourceDatabase{
		DBCode:   req.DBCode,
		DBType:   req.DBType,
		Host:     req.Host,
		Port:     req.Port,
		DBName:   req.DBName,
		UserName: req.UserName,
		Password: encrypted,
	}, nil
}
