package commitlog

import (
	"bytes"
	"e2e_group/internal/model"
	"slices"
)

type vote struct {
	auth  []byte
	count int
}

// DetectFork compares this installation's commit log with the entries other
// installations published. At each epoch this installation reached, its
// authenticator must match the strict majority of the others, or, when
// there is no strict majority, at least one of them. Only epochs reached
// since the latest welcome are compared, since a welcome replaces the
// state the earlier entries describe. The earliest disagreeing epoch is
// reported; nil means no fork was seen.
func DetectFork(self model.InstallationID, local []model.CommitLogEntry, remote []model.RemoteCommitLogEntry) *model.ForkDetails {
	mine := localAuthenticators(local)
	if len(mine) == 0 {
		return nil
	}
	theirs := remoteAuthenticators(self, remote)

	epochs := make([]uint64, 0, len(mine))
	for epoch := range mine {
		epochs = append(epochs, epoch)
	}
	slices.Sort(epochs)

	for _, epoch := range epochs {
		if d := compareEpoch(epoch, mine[epoch], theirs[epoch]); d != nil {
			return d
		}
	}
	return nil
}

func compareEpoch(epoch uint64, auth []byte, others map[string][]byte) *model.ForkDetails {
	if len(others) == 0 {
		return nil
	}
	var votes []vote
	for _, a := range others {
		idx := slices.IndexFunc(votes, func(v vote) bool { return bytes.Equal(v.auth, a) })
		if idx < 0 {
			votes = append(votes, vote{auth: a, count: 1})
			continue
		}
		votes[idx].count++
	}
	agreeing := 0
	if idx := slices.IndexFunc(votes, func(v vote) bool { return bytes.Equal(v.auth, auth) }); idx >= 0 {
		agreeing = votes[idx].count
	}
	total := len(others)
	d := &model.ForkDetails{
		Epoch:              epoch,
		LocalAuthenticator: auth,
		Agreeing:           agreeing,
		Disagreeing:        total - agreeing,
	}

	leader := slices.MaxFunc(votes, func(a, b vote) int { return a.count - b.count })
	if leader.count*2 > total {
		if bytes.Equal(leader.auth, auth) {
			return nil
		}
		d.RemoteAuthenticator = leader.auth
		d.Reason = "local authenticator differs from the majority of other installations"
		return d
	}
	if agreeing > 0 {
		return nil
	}
	d.RemoteAuthenticator = leader.auth
	d.Reason = "local authenticator matches no other installation"
	return d
}

// localAuthenticators maps each epoch reached since the latest welcome to
// the authenticator this installation derived for it.
func localAuthenticators(local []model.CommitLogEntry) map[uint64][]byte {
	start := 0
	for i, e := range local {
		if e.CommitType == model.CommitTypeWelcome {
			start = i
		}
	}
	out := map[uint64][]byte{}
	for _, e := range local[start:] {
		if e.Result != model.CommitSuccess || len(e.AppliedEpochAuthenticator) == 0 {
			continue
		}
		out[e.AppliedEpochNumber] = e.AppliedEpochAuthenticator
	}
	return out
}

// remoteAuthenticators maps epoch to publisher to the last authenticator
// that publisher reported for the epoch, leaving out self.
func remoteAuthenticators(self model.InstallationID, remote []model.RemoteCommitLogEntry) map[uint64]map[string][]byte {
	out := map[uint64]map[string][]byte{}
	for _, r := range remote {
		e := r.Entry
		if self.Equal(r.Publisher) || e.Result != model.CommitSuccess || len(e.AppliedEpochAuthenticator) == 0 {
			continue
		}
		byPublisher, ok := out[e.AppliedEpochNumber]
		if !ok {
			byPublisher = map[string][]byte{}
			out[e.AppliedEpochNumber] = byPublisher
		}
		byPublisher[string(r.Publisher)] = e.AppliedEpochAuthenticator
	}
	return out
}
