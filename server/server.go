// Package server exposes the single-image classifier over HTTP
package server

import (
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/classify"
	"github.com/tsawler/go-emotionnet/facecrop"
)

// Classifier labels the face in an image file
type Classifier interface {
	Classify(path string) (*classify.Result, error)
}

// Server routes:
//
//	POST /classify  multipart field "image"
//	GET  /healthz
type Server struct {
	engine     *gin.Engine
	classifier Classifier
	logger     *log.Logger
	mu         sync.Mutex // the model keeps per-pass state, one request at a time

	// TempDir holds uploads while they are classified; empty means the
	// system default
	TempDir string
}

// New builds the router. Request logs go to logger; nil discards them.
func New(classifier Classifier, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		engine:     gin.New(),
		classifier: classifier,
		logger:     logger,
	}
	s.engine.Use(gin.LoggerWithWriter(logger.Writer()), gin.Recovery())
	s.engine.GET("/healthz", s.healthHandler)
	s.engine.POST("/classify", s.classifyHandler)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until the server fails
func (s *Server) Run(addr string) error {
	s.logger.Printf("listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) classifyHandler(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image upload missing"})
		return
	}

	dir, err := os.MkdirTemp(s.TempDir, "emotionnet-upload-")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(file.Filename)
	if name == "." || name == string(filepath.Separator) || filepath.Ext(name) == "" {
		name = "upload.jpg"
	}
	path := filepath.Join(dir, name)
	if err := c.SaveUploadedFile(file, path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	res, err := s.classifier.Classify(path)
	s.mu.Unlock()

	var noFace *facecrop.NoFaceDetectedError
	switch {
	case errors.As(err, &noFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face detected"})
	case err != nil:
		s.logger.Printf("classifying %s: %v", file.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		res.Path = file.Filename
		c.JSON(http.StatusOK, res)
	}
}
