package api

import (
	"encoding/json"
	"net/http"

	"github.com/npezzotti/go-classroom/internal/types"
)

type ReportActivityRequest struct {
	Status types.ActivityStatus `json:"status"`
}

type LaunchQuizRequest struct {
	Question types.QuizQuestion `json:"question"`
	Duration int                `json:"duration"`
}

type LaunchQuizResponse struct {
	Id string `json:"id"`
}

// requireTeacher writes the error response and reports false unless the
// caller is a teacher.
func (s *ClassroomApp) requireTeacher(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := currentUser(r)
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return types.User{}, false
	}

	if !user.IsTeacher() {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return types.User{}, false
	}

	return user, true
}

func (s *ClassroomApp) getActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireTeacher(w, r); !ok {
		return
	}

	s.writeJson(w, http.StatusOK, s.classroom.Activity())
}

func (s *ClassroomApp) reportActivity(w http.ResponseWriter, r *http.Request) {
	var req ReportActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch req.Status {
	case types.StatusWatching, types.StatusSubmitting, types.StatusIdle:
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.classroom.ReportActivity(r.Context(), req.Status)
	w.WriteHeader(http.StatusAccepted)
}

func (s *ClassroomApp) enroll(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireTeacher(w, r); !ok {
		return
	}

	var roster []types.User
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	for _, u := range roster {
		if u.Id == "" {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	s.classroom.Enroll(roster)
	s.writeJson(w, http.StatusOK, s.classroom.Activity())
}

// getQuiz returns the live quiz. Individual responses are only shown to
// teachers.
func (s *ClassroomApp) getQuiz(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r)
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	snap := s.classroom.Quiz()
	if !user.IsTeacher() {
		snap.Responses = nil
	}
	s.writeJson(w, http.StatusOK, snap)
}

func (s *ClassroomApp) launchQuiz(w http.ResponseWriter, r *http.Request) {
	var req LaunchQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, ok := currentUser(r)
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, err := s.classroom.LaunchQuiz(r.Context(), user, req.Question, req.Duration)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, LaunchQuizResponse{Id: id})
}

func (s *ClassroomApp) endQuiz(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r)
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.classroom.EndQuiz(r.Context(), user); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ClassroomApp) getTally(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireTeacher(w, r); !ok {
		return
	}

	s.writeJson(w, http.StatusOK, s.classroom.Tally())
}
