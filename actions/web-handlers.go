package actions

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/orchestrator"
)

type WebServerResponse uint32

const (
	Okay WebServerResponse = iota + 1
	Error
)

func (w WebServerResponse) MarshalJSON() ([]byte, error) {
	var retval string
	switch w {
	case Okay:
		retval = "ok"
	case Error:
		retval = "error"
	default:
		err := fmt.Errorf("unhandled WebServerResponse value in MarshalJSON() conversion")
		return nil, err
	}
	return json.Marshal(retval)
}

type ResponseSimple struct {
	ServerStatus WebServerResponse `json:"status"`
}

type ResponseRunStatus struct {
	Status    WebServerResponse   `json:"status"`
	RunStatus orchestrator.Status `json:"run"`
}

type ResponseRunStop struct {
	Status  WebServerResponse `json:"status"`
	Message string            `json:"message"`
	RunID   string            `json:"runId"`
}

func GetHandlerHealth(log logger.Logger) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(log, w, http.StatusOK, ResponseSimple{ServerStatus: Okay})
	}
}

func GetHandlerStatus(log logger.Logger, run RunController) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(log, w, http.StatusOK, ResponseRunStatus{Status: Okay, RunStatus: run.Status()})
	}
}

// GetHandlerStop asks the run to stop at the next batch boundary.
func GetHandlerStop(log logger.Logger, run RunController) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		s := run.Status()
		if s.State.IsFinal() { // if the run has already finished...
			log.Info("HTTP request to stop run ", s.RunID, " which has already finished")
			respond(log, w, http.StatusConflict, ResponseRunStop{Status: Error, Message: "run already ended", RunID: s.RunID})
			return
		}
		run.Stop()
		log.Info("Stop signal sent")
		respond(log, w, http.StatusOK, ResponseRunStop{Status: Okay, Message: "stopping after the current batch", RunID: s.RunID})
	}
}

// respond will marshal i and write it to w with the given status code.
func respond(log logger.Logger, w http.ResponseWriter, code int, i interface{}) {
	j, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		log.Error("error marshalling response: ", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(j); err != nil {
		log.Warn("error writing response: ", err)
	}
}
