package mls

import (
	"bytes"
	"e2e_group/internal/codec"
	"e2e_group/internal/cryptographic/dh"
	"e2e_group/internal/cryptographic/encryption"
	"e2e_group/internal/cryptographic/hpke"
	"e2e_group/internal/cryptographic/kdf"
	"e2e_group/internal/cryptographic/signature"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"errors"
	"fmt"
	"slices"
	"time"
)

type (
	// state is everything needed to resume a group except the signing key.
	state struct {
		GroupID     model.GroupID        `cbor:"1,keyasint"`
		Epoch       uint64               `cbor:"2,keyasint"`
		EpochSecret []byte               `cbor:"3,keyasint"`
		Members     []Member             `cbor:"4,keyasint"`
		Context     model.GroupContext   `cbor:"5,keyasint"`
		Self        model.InstallationID `cbor:"6,keyasint"`
		LeafPriv    []byte               `cbor:"7,keyasint"`
		Past        []pastEpoch          `cbor:"8,keyasint,omitempty"`
		Active      bool                 `cbor:"9,keyasint"`
		MaxPast     int                  `cbor:"10,keyasint"`
	}

	pastEpoch struct {
		Epoch             uint64   `cbor:"1,keyasint"`
		ApplicationSecret []byte   `cbor:"2,keyasint"`
		Members           []Member `cbor:"3,keyasint"`
	}

	group struct {
		st       state
		identity *keypackage.Identity
	}

	// Options tune a group handle.
	Options struct {
		MaxPastEpochs int
	}
)

func (o Options) maxPast() int {
	if o.MaxPastEpochs < 0 {
		return 0
	}
	if o.MaxPastEpochs == 0 {
		return DefaultMaxPastEpochs
	}
	return o.MaxPastEpochs
}

// CreateGroup starts a group at epoch 0 with the creator as its only member.
func CreateGroup(id model.GroupID, identity *keypackage.Identity, ctx model.GroupContext, opts Options) (Group, error) {
	leafPriv, leafPub, err := hpke.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	return &group{
		identity: identity,
		st: state{
			GroupID:     slices.Clone(id),
			EpochSecret: secret,
			Members: []Member{{
				Installation:  identity.InstallationID(),
				InboxID:       identity.Credential.InboxID,
				EncryptionKey: leafPub,
			}},
			Context:  ctx.Clone(),
			Self:     identity.InstallationID(),
			LeafPriv: leafPriv,
			Active:   true,
			MaxPast:  opts.maxPast(),
		},
	}, nil
}

// Restore loads a group exported with Export.
func Restore(data []byte, identity *keypackage.Identity) (Group, error) {
	var st state
	if err := codec.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode group state: %w", err)
	}
	if !st.Self.Equal(identity.InstallationID()) {
		return nil, fmt.Errorf("group state belongs to installation %s", st.Self)
	}
	return &group{st: st, identity: identity}, nil
}

// OpenWelcome decrypts a welcome with the private init key matching
// msg.HPKEPublicKey and checks the signer's signature.
func OpenWelcome(initPriv []byte, msg model.WelcomeMessage) (*Welcome, error) {
	var ct hpke.Ciphertext
	if err := codec.Unmarshal(msg.Data, &ct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	plain, err := hpke.Open(initPriv, []byte(welcomeInfo), msg.InstallationKey, &ct)
	if err != nil {
		return nil, err
	}
	m, err := DecodeMessage(plain)
	if err != nil {
		return nil, err
	}
	if m.Welcome == nil {
		return nil, ErrNotWelcome
	}
	w := m.Welcome
	signer, ok := w.AddedBy()
	if !ok {
		return nil, fmt.Errorf("%w: signer %s not in roster", ErrInvalidWelcome, w.Signer)
	}
	tbs, err := w.signed()
	if err != nil {
		return nil, err
	}
	if err := signature.VerifyWithLabel(signer.Installation, welcomeLabel, tbs, w.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	return w, nil
}

// JoinFromWelcome builds the joiner's group handle. initPriv is the private
// half of the key package init key the welcome was sealed to; it becomes
// the joiner's leaf key.
func JoinFromWelcome(w *Welcome, identity *keypackage.Identity, initPriv []byte, opts Options) (Group, error) {
	initPub, err := dh.PublicKey(initPriv)
	if err != nil {
		return nil, err
	}
	self := identity.InstallationID()
	idx := slices.IndexFunc(w.Members, func(m Member) bool { return m.Installation.Equal(self) })
	if idx < 0 {
		return nil, fmt.Errorf("%w: installation %s not in roster", ErrInvalidWelcome, self)
	}
	if !bytes.Equal(w.Members[idx].EncryptionKey, initPub) {
		return nil, fmt.Errorf("%w: leaf key does not match init key", ErrInvalidWelcome)
	}
	return &group{
		identity: identity,
		st: state{
			GroupID:     slices.Clone(w.GroupID),
			Epoch:       w.Epoch,
			EpochSecret: slices.Clone(w.EpochSecret),
			Members:     cloneMembers(w.Members),
			Context:     w.Context.Clone(),
			Self:        self,
			LeafPriv:    slices.Clone(initPriv),
			Active:      true,
			MaxPast:     opts.maxPast(),
		},
	}, nil
}

func (g *group) ID() model.GroupID          { return g.st.GroupID }
func (g *group) Self() model.InstallationID { return g.st.Self }
func (g *group) Epoch() uint64              { return g.st.Epoch }
func (g *group) Active() bool               { return g.st.Active }
func (g *group) Members() []Member          { return cloneMembers(g.st.Members) }
func (g *group) Context() model.GroupContext {
	return g.st.Context.Clone()
}

func (g *group) EpochAuthenticator() ([]byte, error) {
	return authenticator(g.st.EpochSecret)
}

func (g *group) Export() ([]byte, error) {
	return codec.Marshal(g.st)
}

func (g *group) member(installation model.InstallationID) (Member, bool) {
	return findMember(g.st.Members, installation)
}

func (g *group) CreateCommit(proposals ...Proposal) (*StagedCommit, error) {
	if !g.st.Active {
		return nil, ErrInactive
	}
	ap, err := applyProposals(g.st, g.st.Self, proposals, time.Now())
	if err != nil {
		return nil, err
	}

	leafPriv, leafPub, err := hpke.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	setLeafKey(ap.members, g.st.Self, leafPub)

	commitSecret, err := newSecret()
	if err != nil {
		return nil, err
	}
	newEpoch := g.st.Epoch + 1
	ctxHash, err := contextHash(g.st.GroupID, newEpoch, ap.members, ap.context)
	if err != nil {
		return nil, err
	}
	epochSecret, err := nextEpochSecret(g.st.EpochSecret, commitSecret, ctxHash)
	if err != nil {
		return nil, err
	}

	commit := Commit{
		GroupID:   g.st.GroupID,
		Epoch:     g.st.Epoch,
		Sender:    g.st.Self,
		Proposals: proposals,
		LeafKey:   leafPub,
	}
	aad := secretAAD(g.st.GroupID, newEpoch)
	for _, m := range ap.members {
		if m.Installation.Equal(g.st.Self) || containsMember(ap.added, m.Installation) {
			continue
		}
		ct, err := hpke.Seal(m.EncryptionKey, []byte(commitSecretInfo), aad, commitSecret)
		if err != nil {
			return nil, fmt.Errorf("seal commit secret to %s: %w", m.Installation, err)
		}
		commit.Secrets = append(commit.Secrets, SealedSecret{Recipient: m.Installation, Ciphertext: *ct})
	}

	if commit.ConfirmationTag, err = confirmationTag(epochSecret, commit); err != nil {
		return nil, err
	}
	tbs, err := commit.signed()
	if err != nil {
		return nil, err
	}
	if commit.Signature, err = g.identity.Sign(commitLabel, tbs); err != nil {
		return nil, err
	}
	msg, err := codec.Marshal(Message{Commit: &commit})
	if err != nil {
		return nil, err
	}

	next := g.advance(newEpoch, epochSecret, ap, leafPriv)
	welcomes, err := g.welcomes(next, ap.added)
	if err != nil {
		return nil, err
	}
	return &StagedCommit{
		Message:        msg,
		Welcomes:       welcomes,
		BaseEpoch:      g.st.Epoch,
		Sender:         g.st.Self,
		SenderInboxID:  g.identity.Credential.InboxID,
		Added:          ap.added,
		Removed:        ap.removed,
		ContextChanged: ap.contextChanged,
		Next:           next,
	}, nil
}

func (g *group) welcomes(next state, added []Member) ([]model.WelcomeMessage, error) {
	if len(added) == 0 {
		return nil, nil
	}
	w := Welcome{
		GroupID:     next.GroupID,
		Epoch:       next.Epoch,
		EpochSecret: next.EpochSecret,
		Members:     next.Members,
		Context:     next.Context,
		Signer:      g.st.Self,
	}
	tbs, err := w.signed()
	if err != nil {
		return nil, err
	}
	if w.Signature, err = g.identity.Sign(welcomeLabel, tbs); err != nil {
		return nil, err
	}
	plain, err := codec.Marshal(Message{Welcome: &w})
	if err != nil {
		return nil, err
	}

	out := make([]model.WelcomeMessage, 0, len(added))
	for _, m := range added {
		ct, err := hpke.Seal(m.EncryptionKey, []byte(welcomeInfo), m.Installation, plain)
		if err != nil {
			return nil, fmt.Errorf("seal welcome to %s: %w", m.Installation, err)
		}
		data, err := codec.Marshal(ct)
		if err != nil {
			return nil, err
		}
		out = append(out, model.WelcomeMessage{
			InstallationKey: slices.Clone(m.Installation),
			HPKEPublicKey:   slices.Clone(m.EncryptionKey),
			Data:            data,
		})
	}
	return out, nil
}

func (g *group) MergeStagedCommit(sc *StagedCommit) error {
	if sc == nil {
		return fmt.Errorf("%w: nil staged commit", ErrInvalidCommit)
	}
	if !sc.Next.GroupID.Equal(g.st.GroupID) {
		return ErrGroupMismatch
	}
	if sc.BaseEpoch != g.st.Epoch {
		return fmt.Errorf("%w: staged at epoch %d, group at %d", ErrWrongEpoch, sc.BaseEpoch, g.st.Epoch)
	}
	g.st = cloneState(sc.Next)
	return nil
}

func (g *group) ProcessMessage(data []byte) (*Processed, error) {
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	switch {
	case m.Commit != nil:
		sc, err := g.processCommit(m.Commit)
		if err != nil {
			return nil, err
		}
		return &Processed{Commit: sc}, nil
	case m.Application != nil:
		app, err := g.processApplication(m.Application)
		if err != nil {
			return nil, err
		}
		return &Processed{Application: app}, nil
	default:
		return nil, fmt.Errorf("%w: welcome on a group topic", ErrMalformedMessage)
	}
}

func (g *group) processCommit(c *Commit) (*StagedCommit, error) {
	if !c.GroupID.Equal(g.st.GroupID) {
		return nil, ErrGroupMismatch
	}
	if c.Epoch != g.st.Epoch {
		return nil, fmt.Errorf("%w: commit for epoch %d, group at %d", ErrWrongEpoch, c.Epoch, g.st.Epoch)
	}
	if c.Sender.Equal(g.st.Self) {
		return nil, ErrOwnCommit
	}
	if !g.st.Active {
		return nil, ErrInactive
	}
	sender, ok := g.member(c.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, c.Sender)
	}
	tbs, err := c.signed()
	if err != nil {
		return nil, err
	}
	if err := signature.VerifyWithLabel(sender.Installation, commitLabel, tbs, c.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
	}
	if len(c.LeafKey) != 32 {
		return nil, fmt.Errorf("%w: leaf key is %d bytes", ErrInvalidCommit, len(c.LeafKey))
	}

	ap, err := applyProposals(g.st, c.Sender, c.Proposals, time.Now())
	if err != nil {
		return nil, err
	}
	setLeafKey(ap.members, c.Sender, c.LeafKey)

	sc := &StagedCommit{
		BaseEpoch:      g.st.Epoch,
		Sender:         slices.Clone(c.Sender),
		SenderInboxID:  sender.InboxID,
		Added:          ap.added,
		Removed:        ap.removed,
		ContextChanged: ap.contextChanged,
	}

	if containsMember(ap.removed, g.st.Self) {
		// Removed, or removed and re-added: the new epoch is only reachable
		// through a welcome.
		next := cloneState(g.st)
		next.Active = false
		sc.SelfRemoved = true
		sc.Next = next
		return sc, nil
	}

	idx := slices.IndexFunc(c.Secrets, func(s SealedSecret) bool { return s.Recipient.Equal(g.st.Self) })
	if idx < 0 {
		return nil, fmt.Errorf("%w: no commit secret for %s", ErrInvalidCommit, g.st.Self)
	}
	newEpoch := g.st.Epoch + 1
	commitSecret, err := hpke.Open(g.st.LeafPriv, []byte(commitSecretInfo), secretAAD(g.st.GroupID, newEpoch), &c.Secrets[idx].Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
	}
	ctxHash, err := contextHash(g.st.GroupID, newEpoch, ap.members, ap.context)
	if err != nil {
		return nil, err
	}
	epochSecret, err := nextEpochSecret(g.st.EpochSecret, commitSecret, ctxHash)
	if err != nil {
		return nil, err
	}
	valid, err := verifyConfirmationTag(epochSecret, *c)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("%w: confirmation tag mismatch", ErrInvalidCommit)
	}
	sc.Next = g.advance(newEpoch, epochSecret, ap, g.st.LeafPriv)
	return sc, nil
}

func (g *group) EncryptApplication(plaintext []byte) ([]byte, error) {
	if !g.st.Active {
		return nil, ErrInactive
	}
	appSecret, err := applicationSecret(g.st.EpochSecret)
	if err != nil {
		return nil, err
	}
	key, err := senderKey(appSecret, g.st.Self)
	if err != nil {
		return nil, err
	}
	a := Application{GroupID: g.st.GroupID, Epoch: g.st.Epoch, Sender: g.st.Self}
	aad, err := a.aad()
	if err != nil {
		return nil, err
	}
	if a.Ciphertext, err = encryption.AEADEncrypt(key, plaintext, aad); err != nil {
		return nil, err
	}
	tbs, err := a.signed()
	if err != nil {
		return nil, err
	}
	if a.Signature, err = g.identity.Sign(applicationLabel, tbs); err != nil {
		return nil, err
	}
	return codec.Marshal(Message{Application: &a})
}

func (g *group) processApplication(a *Application) (*ApplicationMessage, error) {
	if !a.GroupID.Equal(g.st.GroupID) {
		return nil, ErrGroupMismatch
	}
	appSecret, members, err := g.epochSecrets(a.Epoch)
	if err != nil {
		return nil, err
	}
	sender, ok := findMember(members, a.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, a.Sender)
	}
	tbs, err := a.signed()
	if err != nil {
		return nil, err
	}
	if err := signature.VerifyWithLabel(sender.Installation, applicationLabel, tbs, a.Signature); err != nil {
		return nil, err
	}
	key, err := senderKey(appSecret, a.Sender)
	if err != nil {
		return nil, err
	}
	aad, err := a.aad()
	if err != nil {
		return nil, err
	}
	plain, err := encryption.AEADDecrypt(key, a.Ciphertext, aad)
	if err != nil {
		return nil, err
	}
	return &ApplicationMessage{
		Sender:        slices.Clone(a.Sender),
		SenderInboxID: sender.InboxID,
		Epoch:         a.Epoch,
		Plaintext:     plain,
	}, nil
}

func (g *group) epochSecrets(epoch uint64) ([]byte, []Member, error) {
	if epoch == g.st.Epoch {
		s, err := applicationSecret(g.st.EpochSecret)
		return s, g.st.Members, err
	}
	if epoch > g.st.Epoch {
		return nil, nil, fmt.Errorf("%w: message for epoch %d, group at %d", ErrWrongEpoch, epoch, g.st.Epoch)
	}
	for _, p := range g.st.Past {
		if p.Epoch == epoch {
			return p.ApplicationSecret, p.Members, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: epoch %d", ErrEpochTooOld, epoch)
}

// advance builds the state for the next epoch and retires the current
// epoch's application secret into the bounded past-epoch window.
func (g *group) advance(epoch uint64, epochSecret []byte, ap applied, leafPriv []byte) state {
	next := state{
		GroupID:     slices.Clone(g.st.GroupID),
		Epoch:       epoch,
		EpochSecret: epochSecret,
		Members:     ap.members,
		Context:     ap.context,
		Self:        slices.Clone(g.st.Self),
		LeafPriv:    leafPriv,
		Active:      true,
		MaxPast:     g.st.MaxPast,
		Past:        slices.Clone(g.st.Past),
	}
	if g.st.MaxPast > 0 {
		if appSecret, err := applicationSecret(g.st.EpochSecret); err == nil {
			next.Past = append(next.Past, pastEpoch{
				Epoch:             g.st.Epoch,
				ApplicationSecret: appSecret,
				Members:           cloneMembers(g.st.Members),
			})
		}
	}
	if over := len(next.Past) - g.st.MaxPast; over > 0 {
		next.Past = next.Past[over:]
	}
	return next
}

type applied struct {
	members        []Member
	context        model.GroupContext
	added          []Member
	removed        []Member
	contextChanged bool
}

func applyProposals(st state, sender model.InstallationID, proposals []Proposal, now time.Time) (applied, error) {
	ap := applied{members: cloneMembers(st.Members), context: st.Context.Clone()}
	for _, p := range proposals {
		switch p.Kind {
		case ProposalRemove:
			if p.Remove.Equal(sender) {
				return ap, fmt.Errorf("%w: committer cannot remove itself", ErrInvalidCommit)
			}
			idx := slices.IndexFunc(ap.members, func(m Member) bool { return m.Installation.Equal(p.Remove) })
			if idx < 0 {
				return ap, fmt.Errorf("%w: remove of non-member %s", ErrInvalidCommit, p.Remove)
			}
			ap.removed = append(ap.removed, ap.members[idx])
			ap.members = slices.Delete(ap.members, idx, idx+1)
		case ProposalAdd:
			if p.KeyPackage == nil {
				return ap, fmt.Errorf("%w: add without key package", ErrInvalidCommit)
			}
			if err := p.KeyPackage.Verify(now); err != nil {
				return ap, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
			}
			m := Member{
				Installation:  slices.Clone(p.KeyPackage.Credential.InstallationKey),
				InboxID:       p.KeyPackage.Credential.InboxID,
				EncryptionKey: slices.Clone(p.KeyPackage.InitKey),
			}
			if _, ok := findMember(ap.members, m.Installation); ok {
				return ap, fmt.Errorf("%w: %s is already a member", ErrInvalidCommit, m.Installation)
			}
			ap.members = append(ap.members, m)
			ap.added = append(ap.added, m)
		case ProposalGroupContext:
			if p.Context == nil {
				return ap, fmt.Errorf("%w: empty group context update", ErrInvalidCommit)
			}
			ap.context = p.Context.Clone()
			ap.contextChanged = true
		default:
			return ap, fmt.Errorf("%w: unknown proposal %d", ErrInvalidCommit, int(p.Kind))
		}
	}
	slices.SortFunc(ap.members, func(a, b Member) int { return bytes.Compare(a.Installation, b.Installation) })
	return ap, nil
}

func confirmationTag(epochSecret []byte, c Commit) ([]byte, error) {
	key, err := confirmationKey(epochSecret)
	if err != nil {
		return nil, err
	}
	content, err := c.content()
	if err != nil {
		return nil, err
	}
	return kdf.MAC(key, content), nil
}

func verifyConfirmationTag(epochSecret []byte, c Commit) (bool, error) {
	key, err := confirmationKey(epochSecret)
	if err != nil {
		return false, err
	}
	content, err := c.content()
	if err != nil {
		return false, err
	}
	return kdf.VerifyMAC(key, content, c.ConfirmationTag), nil
}

func setLeafKey(members []Member, installation model.InstallationID, key []byte) {
	for i := range members {
		if members[i].Installation.Equal(installation) {
			members[i].EncryptionKey = slices.Clone(key)
		}
	}
}

func findMember(members []Member, installation model.InstallationID) (Member, bool) {
	for _, m := range members {
		if m.Installation.Equal(installation) {
			return m, true
		}
	}
	return Member{}, false
}

func containsMember(members []Member, installation model.InstallationID) bool {
	_, ok := findMember(members, installation)
	return ok
}

func cloneMembers(in []Member) []Member {
	out := make([]Member, len(in))
	for i, m := range in {
		out[i] = Member{
			Installation:  slices.Clone(m.Installation),
			InboxID:       m.InboxID,
			EncryptionKey: slices.Clone(m.EncryptionKey),
		}
	}
	return out
}

func cloneState(st state) state {
	out := st
	out.GroupID = slices.Clone(st.GroupID)
	out.EpochSecret = slices.Clone(st.EpochSecret)
	out.Members = cloneMembers(st.Members)
	out.Context = st.Context.Clone()
	out.Self = slices.Clone(st.Self)
	out.LeafPriv = slices.Clone(st.LeafPriv)
	out.Past = slices.Clone(st.Past)
	return out
}

// IsWrongEpoch reports whether err means the message targets another epoch.
func IsWrongEpoch(err error) bool { return errors.Is(err, ErrWrongEpoch) }
