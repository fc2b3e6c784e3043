package web

import (
	"context"
	"errors"
	"strings"

	"github.com/deemkeen/boardfed/activitypub"
	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/util"
)

var errBadResource = errors.New("unsupported webfinger resource")

const nodeInfoSchema = "http://nodeinfo.diaspora.software/ns/schema/2.0"

// Link is a JRD link.
type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

// JRD is a WebFinger response.
type JRD struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// parseAcct extracts the username from acct:user@domain or from the URI of
// an actor on this server.
func parseAcct(resource, sslDomain string) (string, error) {
	if resource == activitypub.InstanceActorURI(sslDomain) {
		return domain.InstanceActorName, nil
	}
	if rest, ok := strings.CutPrefix(resource, activitypub.LocalActorURI(sslDomain, "")); ok {
		if rest == "" || strings.Contains(rest, "/") {
			return "", errBadResource
		}
		return rest, nil
	}

	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", errBadResource
	}
	acct = strings.TrimPrefix(acct, "@")
	user, host, ok := strings.Cut(acct, "@")
	if !ok || user == "" || !strings.EqualFold(host, sslDomain) {
		return "", errBadResource
	}
	return user, nil
}

// GetWebfinger resolves resource to a JRD pointing at the actor document.
func GetWebfinger(ctx context.Context, store Store, sslDomain, resource string) (*JRD, error) {
	username, err := parseAcct(resource, sslDomain)
	if err != nil {
		return nil, err
	}

	acc, err := store.ReadLocalActorByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errNoSuchActor
	}
	if err != nil {
		return nil, err
	}

	href := acc.ActorURI
	return &JRD{
		Subject: "acct:" + acc.Username + "@" + sslDomain,
		Aliases: []string{href},
		Links: []Link{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: href,
			},
		},
	}, nil
}

// NodeInfoLinks is the discovery document served at /.well-known/nodeinfo.
type NodeInfoLinks struct {
	Links []Link `json:"links"`
}

func GetNodeInfoLinks(sslDomain string) *NodeInfoLinks {
	return &NodeInfoLinks{
		Links: []Link{{Rel: nodeInfoSchema, Href: "https://" + sslDomain + "/nodeinfo/2.0"}},
	}
}

type nodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeInfoUsers struct {
	Total int `json:"total"`
}

type nodeInfoUsage struct {
	Users nodeInfoUsers `json:"users"`
}

type nodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

// NodeInfo is the nodeinfo 2.0 document.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          nodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          nodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             nodeInfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

func GetNodeInfo(ctx context.Context, store Store) (*NodeInfo, error) {
	users, err := store.CountLocalActors(ctx)
	if err != nil {
		return nil, err
	}
	return &NodeInfo{
		Version:   "2.0",
		Software:  nodeInfoSoftware{Name: util.Name, Version: util.GetVersion()},
		Protocols: []string{"activitypub"},
		Services:  nodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		Usage:     nodeInfoUsage{Users: nodeInfoUsers{Total: users}},
		Metadata:  map[string]any{},
	}, nil
}
