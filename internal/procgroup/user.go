//go:build linux || darwin

package procgroup

import (
	"os/user"
	"strconv"
	"syscall"

	"github.com/AstromechZA/etcpwdparse"
	"github.com/pkg/errors"

	"github.com/matst80/procwrap/internal/obs"
)

// ErrUnknownUser is returned by Start when Spec.User has no passwd entry.
var ErrUnknownUser = errors.New("unknown user")

func lookupCredential(name string) (*syscall.Credential, string, error) {
	cache, err := etcpwdparse.NewLoadedEtcPasswdCache()
	if err != nil {
		return nil, "", errors.Wrap(err, "load /etc/passwd")
	}
	entry, ok := cache.LookupUserByName(name)
	if !ok {
		return nil, "", errors.Wrapf(ErrUnknownUser, "%q", name)
	}
	cred := &syscall.Credential{
		Uid:    uint32(entry.Uid()),
		Gid:    uint32(entry.Gid()),
		Groups: supplementaryGroups(entry.Uid(), entry.Gid()),
	}
	return cred, entry.Homedir(), nil
}

func supplementaryGroups(uid, gid int) (groups []uint32) {
	groups = append(groups, uint32(gid))
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return
	}
	groupIds, err := u.GroupIds()
	if err != nil {
		obs.Debug("procgroup.groups", obs.Fields{"uid": uid, "err": err.Error()})
	}
	for _, g := range groupIds {
		parsed, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		if uint32(parsed) != uint32(gid) {
			groups = append(groups, uint32(parsed))
		}
	}
	return
}
