package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/boardfed/domain"
)

// ErrMalformed is returned for bodies that are not a well-formed activity.
var ErrMalformed = errors.New("malformed activity")

const (
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	publicCompact          = "as:Public"
	publicBare             = "Public"
	activityStreamsContext = "https://www.w3.org/ns/activitystreams"
	securityContext        = "https://w3id.org/security/v1"
)

// Meta holds the fields every activity carries.
type Meta struct {
	ID    string
	Type  string
	Actor string
	To    []string
	Cc    []string
	Raw   []byte
}

func (m *Meta) meta() *Meta { return m }

// Activity is a parsed inbound activity. The concrete types below are the
// only implementations.
type Activity interface {
	meta() *Meta
}

// MetaOf returns the common fields of a.
func MetaOf(a Activity) *Meta { return a.meta() }

// ContentObject is an embedded Note, Article, Page or Question.
type ContentObject struct {
	ID           string
	Type         string
	AttributedTo string
	Name         string
	Content      string
	InReplyTo    string
	Published    time.Time
	Updated      time.Time
	To           []string
	Cc           []string
}

// Recipients is the union of To and Cc.
func (o *ContentObject) Recipients() []string {
	out := make([]string, 0, len(o.To)+len(o.Cc))
	out = append(out, o.To...)
	return append(out, o.Cc...)
}

type (
	Follow struct {
		Meta
		Object string
	}
	UndoFollow struct {
		Meta
		FollowID string
		Object   string
	}
	// Accept answers one of our Follows. FollowID is the Follow's id; the
	// embedded fields are empty when the Follow was referenced by id only.
	Accept struct {
		Meta
		FollowID     string
		FollowActor  string
		FollowObject string
	}
	Reject struct {
		Meta
		FollowID     string
		FollowActor  string
		FollowObject string
	}
	Create struct {
		Meta
		Object ContentObject
	}
	// CreatePrivate is a Create addressed to neither the public nor a
	// followers collection.
	CreatePrivate struct {
		Meta
		Object ContentObject
	}
	Like struct {
		Meta
		Object string
	}
	UndoLike struct {
		Meta
		LikeID string
		Object string
	}
	Announce struct {
		Meta
		Object string
	}
	UndoAnnounce struct {
		Meta
		AnnounceID string
		Object     string
	}
	UpdateContent struct {
		Meta
		Object ContentObject
	}
	UpdateActor struct {
		Meta
		Object string
	}
	Delete struct {
		Meta
		Object string
	}
	Flag struct {
		Meta
		Objects []string
		Content string
	}
	Block struct {
		Meta
		Object string
	}
	UndoBlock struct {
		Meta
		BlockID string
		Object  string
	}
	// UndoRef is an Undo naming the undone activity by id only.
	UndoRef struct {
		Meta
		Ref string
	}
	Unknown struct {
		Meta
	}
)

// ActorDeleted reports whether the Delete removes the sending actor itself.
func (d *Delete) ActorDeleted() bool {
	return d.Object == d.Actor
}

// ObjectURI is the primary object of a, or "" for activities without one.
func ObjectURI(a Activity) string {
	switch v := a.(type) {
	case *Follow:
		return v.Object
	case *UndoFollow:
		return v.FollowID
	case *Accept:
		return v.FollowID
	case *Reject:
		return v.FollowID
	case *Create:
		return v.Object.ID
	case *CreatePrivate:
		return v.Object.ID
	case *Like:
		return v.Object
	case *UndoLike:
		return v.LikeID
	case *Announce:
		return v.Object
	case *UndoAnnounce:
		return v.AnnounceID
	case *UpdateContent:
		return v.Object.ID
	case *UpdateActor:
		return v.Object
	case *Delete:
		return v.Object
	case *Flag:
		if len(v.Objects) > 0 {
			return v.Objects[0]
		}
	case *Block:
		return v.Object
	case *UndoBlock:
		return v.BlockID
	case *UndoRef:
		return v.Ref
	}
	return ""
}

// rawObject is the loosely typed JSON shape shared by activities and the
// objects embedded in them.
type rawObject struct {
	ID           string          `json:"id"`
	Type         json.RawMessage `json:"type"`
	Actor        json.RawMessage `json:"actor"`
	Object       json.RawMessage `json:"object"`
	To           json.RawMessage `json:"to"`
	Cc           json.RawMessage `json:"cc"`
	AttributedTo json.RawMessage `json:"attributedTo"`
	Name         string          `json:"name"`
	Content      string          `json:"content"`
	InReplyTo    json.RawMessage `json:"inReplyTo"`
	Published    string          `json:"published"`
	Updated      string          `json:"updated"`
}

// ParseActivity decodes body into one of the Activity variants. Every
// identifier must be an absolute https URI. Types that are not understood
// become *Unknown rather than an error.
func ParseActivity(body []byte) (Activity, error) {
	var raw rawObject
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := Meta{ID: raw.ID, Raw: body}
	if err := checkURI("id", m.ID); err != nil {
		return nil, err
	}
	typ, err := typeOf(raw.Type)
	if err != nil {
		return nil, err
	}
	m.Type = typ
	if m.Actor, err = idOf("actor", raw.Actor); err != nil {
		return nil, err
	}
	if m.To, err = uriList("to", raw.To); err != nil {
		return nil, err
	}
	if m.Cc, err = uriList("cc", raw.Cc); err != nil {
		return nil, err
	}

	switch typ {
	case "Follow":
		obj, err := idOf("object", raw.Object)
		if err != nil {
			return nil, err
		}
		return &Follow{Meta: m, Object: obj}, nil
	case "Like":
		obj, err := idOf("object", raw.Object)
		if err != nil {
			return nil, err
		}
		return &Like{Meta: m, Object: obj}, nil
	case "Announce":
		obj, err := idOf("object", raw.Object)
		if err != nil {
			return nil, err
		}
		return &Announce{Meta: m, Object: obj}, nil
	case "Block":
		obj, err := idOf("object", raw.Object)
		if err != nil {
			return nil, err
		}
		return &Block{Meta: m, Object: obj}, nil
	case "Delete":
		obj, err := idOf("object", raw.Object)
		if err != nil {
			return nil, err
		}
		return &Delete{Meta: m, Object: obj}, nil
	case "Flag":
		objs, err := uriList("object", raw.Object)
		if err != nil {
			return nil, err
		}
		if len(objs) == 0 {
			return nil, fmt.Errorf("%w: Flag without object", ErrMalformed)
		}
		return &Flag{Meta: m, Objects: objs, Content: raw.Content}, nil
	case "Accept", "Reject":
		return parseFollowResponse(m, raw.Object)
	case "Undo":
		return parseUndo(m, raw.Object)
	case "Create":
		return parseCreate(m, raw.Object)
	case "Update":
		return parseUpdate(m, raw.Object)
	}
	return &Unknown{Meta: m}, nil
}

func parseFollowResponse(m Meta, rawObj json.RawMessage) (Activity, error) {
	followID, inner, err := objectRef(rawObj)
	if err != nil {
		return nil, err
	}
	var followActor, followObject string
	if inner != nil {
		t, err := typeOf(inner.Type)
		if err != nil {
			return nil, err
		}
		if t != "Follow" {
			return &Unknown{Meta: m}, nil
		}
		if followActor, err = idOf("object.actor", inner.Actor); err != nil {
			return nil, err
		}
		if followObject, err = idOf("object.object", inner.Object); err != nil {
			return nil, err
		}
	}
	if m.Type == "Accept" {
		return &Accept{Meta: m, FollowID: followID, FollowActor: followActor, FollowObject: followObject}, nil
	}
	return &Reject{Meta: m, FollowID: followID, FollowActor: followActor, FollowObject: followObject}, nil
}

func parseUndo(m Meta, rawObj json.RawMessage) (Activity, error) {
	ref, inner, err := objectRef(rawObj)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return &UndoRef{Meta: m, Ref: ref}, nil
	}

	t, err := typeOf(inner.Type)
	if err != nil {
		return nil, err
	}
	// The undone activity must belong to whoever is undoing it.
	if len(inner.Actor) > 0 {
		innerActor, err := idOf("object.actor", inner.Actor)
		if err != nil {
			return nil, err
		}
		if innerActor != m.Actor {
			return nil, fmt.Errorf("%w: undo of an activity by %s", ErrAttributionMismatch, innerActor)
		}
	}

	target := func() (string, error) { return idOf("object.object", inner.Object) }
	switch t {
	case "Follow":
		obj, err := target()
		if err != nil {
			return nil, err
		}
		return &UndoFollow{Meta: m, FollowID: ref, Object: obj}, nil
	case "Like":
		obj, err := target()
		if err != nil {
			return nil, err
		}
		return &UndoLike{Meta: m, LikeID: ref, Object: obj}, nil
	case "Announce":
		obj, err := target()
		if err != nil {
			return nil, err
		}
		return &UndoAnnounce{Meta: m, AnnounceID: ref, Object: obj}, nil
	case "Block":
		obj, err := target()
		if err != nil {
			return nil, err
		}
		return &UndoBlock{Meta: m, BlockID: ref, Object: obj}, nil
	}
	return &Unknown{Meta: m}, nil
}

func parseCreate(m Meta, rawObj json.RawMessage) (Activity, error) {
	obj, ok, err := contentObject(rawObj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Unknown{Meta: m}, nil
	}
	if isPrivate(m, obj) {
		return &CreatePrivate{Meta: m, Object: *obj}, nil
	}
	return &Create{Meta: m, Object: *obj}, nil
}

func parseUpdate(m Meta, rawObj json.RawMessage) (Activity, error) {
	id, inner, err := objectRef(rawObj)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		if id == m.Actor {
			return &UpdateActor{Meta: m, Object: id}, nil
		}
		return &Unknown{Meta: m}, nil
	}

	t, err := typeOf(inner.Type)
	if err != nil {
		return nil, err
	}
	if domain.IsActorKind(t) {
		return &UpdateActor{Meta: m, Object: id}, nil
	}
	obj, ok, err := contentObject(rawObj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Unknown{Meta: m}, nil
	}
	return &UpdateContent{Meta: m, Object: *obj}, nil
}

// contentObject decodes an embedded content object. ok is false when the
// object is of a type we do not store.
func contentObject(rawObj json.RawMessage) (*ContentObject, bool, error) {
	_, inner, err := objectRef(rawObj)
	if err != nil {
		return nil, false, err
	}
	if inner == nil {
		return nil, false, fmt.Errorf("%w: object must be embedded", ErrMalformed)
	}
	t, err := typeOf(inner.Type)
	if err != nil {
		return nil, false, err
	}
	switch t {
	case "Note", "Article", "Page", "Question":
	default:
		return nil, false, nil
	}

	obj := &ContentObject{ID: inner.ID, Type: t, Name: inner.Name, Content: inner.Content}
	if obj.AttributedTo, err = idOf("object.attributedTo", inner.AttributedTo); err != nil {
		return nil, false, err
	}
	if len(inner.InReplyTo) > 0 && string(inner.InReplyTo) != "null" {
		if obj.InReplyTo, err = idOf("object.inReplyTo", inner.InReplyTo); err != nil {
			return nil, false, err
		}
	}
	if obj.To, err = uriList("object.to", inner.To); err != nil {
		return nil, false, err
	}
	if obj.Cc, err = uriList("object.cc", inner.Cc); err != nil {
		return nil, false, err
	}
	if inner.Published != "" {
		if obj.Published, err = time.Parse(time.RFC3339, inner.Published); err != nil {
			return nil, false, fmt.Errorf("%w: published: %v", ErrMalformed, err)
		}
	}
	if inner.Updated != "" {
		if obj.Updated, err = time.Parse(time.RFC3339, inner.Updated); err != nil {
			return nil, false, fmt.Errorf("%w: updated: %v", ErrMalformed, err)
		}
	}
	return obj, true, nil
}

// isPrivate reports whether neither the activity nor its object is
// addressed to the public or to a followers collection.
func isPrivate(m Meta, obj *ContentObject) bool {
	for _, lists := range [][]string{m.To, m.Cc, obj.To, obj.Cc} {
		for _, r := range lists {
			if IsPublic(r) || strings.HasSuffix(r, "/followers") {
				return false
			}
		}
	}
	return true
}

// IsPublic matches the Public collection in its full and compact forms.
func IsPublic(uri string) bool {
	return uri == PublicCollection || uri == publicCompact || uri == publicBare
}

// objectRef returns the id of an object given as a string or embedded, and
// the embedded form when there is one.
func objectRef(rawObj json.RawMessage) (string, *rawObject, error) {
	rawObj = bytes.TrimSpace(rawObj)
	if len(rawObj) == 0 || string(rawObj) == "null" {
		return "", nil, fmt.Errorf("%w: missing object", ErrMalformed)
	}
	if rawObj[0] == '{' {
		var inner rawObject
		if err := json.Unmarshal(rawObj, &inner); err != nil {
			return "", nil, fmt.Errorf("%w: object: %v", ErrMalformed, err)
		}
		if err := checkURI("object.id", inner.ID); err != nil {
			return "", nil, err
		}
		return inner.ID, &inner, nil
	}
	id, err := idOf("object", rawObj)
	return id, nil, err
}

// typeOf reads a JSON-LD type, taking the first entry of an array.
func typeOf(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}
	return "", fmt.Errorf("%w: missing type", ErrMalformed)
}

// idOf reads a reference given as a string, an object with an id, or a
// one-element array of either.
func idOf(field string, raw json.RawMessage) (string, error) {
	ids, err := uriList(field, raw)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	return ids[0], nil
}

// uriList reads a string, an object, or an array of those into validated
// URIs. The compact Public forms are kept as they are.
func uriList(field string, raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var items []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
		}
	} else {
		items = []json.RawMessage{raw}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			var obj struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
			}
			s = obj.ID
		}
		if IsPublic(s) {
			out = append(out, s)
			continue
		}
		if err := checkURI(field, s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func checkURI(field, s string) error {
	if s == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: %s is not an https URI: %q", ErrMalformed, field, s)
	}
	return nil
}

// hostOf returns the lowercased host of uri without port, or "".
func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
