package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrEmptyKey ключ без обоих идентификаторов
	ErrEmptyKey = errors.New("session: пустой ключ")
	// ErrCallSIDConflict идентификатор SDK уже принадлежит другой сессии
	ErrCallSIDConflict = errors.New("session: идентификатор звонка принадлежит другой сессии")
)

// Key ключ поиска сессии. Если задан SessionID, поиск идет по нему,
// иначе по CallSID.
type Key struct {
	SessionID string
	CallSID   string
}

// ByID ключ по идентификатору сессии
func ByID(sessionID string) Key { return Key{SessionID: sessionID} }

// ByCallSID ключ по идентификатору звонка в SDK
func ByCallSID(callSID string) Key { return Key{CallSID: callSID} }

// String возвращает строковое представление ключа
func (k Key) String() string {
	if k.SessionID != "" {
		return "session:" + k.SessionID
	}
	return "call:" + k.CallSID
}

// Registry хранилище сессий с индексом по CallSID
type Registry struct {
	// Хранилище записей по ID сессии
	sessions map[string]*Record

	// Индекс по CallSID
	callSIDIndex map[string]string // callSID -> sessionID

	// Последний проиндексированный CallSID каждой сессии
	indexed map[string]string // sessionID -> callSID

	mu sync.RWMutex
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Record),
		callSIDIndex: make(map[string]string),
		indexed:      make(map[string]string),
	}
}

// Upsert добавляет запись или обновляет индекс уже сохраненной
func (r *Registry) Upsert(rec *Record) error {
	if rec == nil || rec.ID() == "" {
		return ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := rec.ID()
	sid := rec.CallSID()
	if sid != "" {
		if owner, exists := r.callSIDIndex[sid]; exists && owner != id {
			return fmt.Errorf("%w: %s занят сессией %s", ErrCallSIDConflict, sid, owner)
		}
	}

	if old, ok := r.indexed[id]; ok && old != sid {
		delete(r.callSIDIndex, old)
		delete(r.indexed, id)
	}

	r.sessions[id] = rec
	if sid != "" {
		r.callSIDIndex[sid] = id
		r.indexed[id] = sid
	}
	return nil
}

// Find ищет запись по ключу
func (r *Registry) Find(key Key) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(key)
}

func (r *Registry) findLocked(key Key) (*Record, bool) {
	if key.SessionID != "" {
		rec, ok := r.sessions[key.SessionID]
		return rec, ok
	}
	if key.CallSID != "" {
		if id, ok := r.callSIDIndex[key.CallSID]; ok {
			rec, ok := r.sessions[id]
			return rec, ok
		}
	}
	return nil, false
}

// Remove удаляет запись; отсутствующий ключ не является ошибкой
func (r *Registry) Remove(key Key) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.findLocked(key)
	if !ok {
		return nil, false
	}

	id := rec.ID()
	delete(r.sessions, id)
	if sid, ok := r.indexed[id]; ok {
		delete(r.callSIDIndex, sid)
		delete(r.indexed, id)
	}
	return rec, true
}

// List возвращает записи, упорядоченные по времени создания
func (r *Registry) List() []*Record {
	r.mu.RLock()
	records := make([]*Record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt().Equal(records[j].CreatedAt()) {
			return records[i].ID() < records[j].ID()
		}
		return records[i].CreatedAt().Before(records[j].CreatedAt())
	})
	return records
}

// Len число сессий
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
