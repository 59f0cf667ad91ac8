package app

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/service/client"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const historySize = 50

type (
	// App is the terminal chat UI over one client.
	App struct {
		app       *tview.Application
		chatbox   *tview.TextView
		groupList *tview.List
		input     *tview.InputField

		client *client.Client
		logger *zap.Logger

		mu      sync.Mutex
		groups  []*groups.Group
		current *groups.Group
	}
)

func NewApp(c *client.Client) *App {
	return &App{
		app:    tview.NewApplication(),
		client: c,
		logger: log.Named("app"),
	}
}

// Run starts the client workers and streams and blocks until the UI exits.
func (c *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.client.SyncAll(ctx); err != nil {
		c.logger.Warn("initial sync incomplete", zap.Error(err))
	}
	c.client.Start(ctx)

	messages := c.client.StreamGroupMessages(ctx)
	defer messages.Close()
	welcomes := c.client.StreamWelcomes(ctx)
	defer welcomes.Close()

	go c.listenOnMessages(messages.C())
	go c.listenOnWelcomes(welcomes.C())

	c.renderUI()
	if err := c.refreshGroups(ctx); err != nil {
		return err
	}
	c.app.QueueUpdateDraw(func() { c.printf("[gray]%s[-]\n", helpText) })
	return c.app.Run()
}

func (c *App) Stop() { c.app.Stop() }

func (c *App) renderUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", c.client.InboxID()))

	c.groupList = tview.NewList().ShowSecondaryText(false)
	c.groupList.SetBorder(true).SetTitle(" Groups ")
	c.groupList.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		go c.open(context.Background(), i)
	})

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Message or /command ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := c.input.GetText()
		c.input.SetText("")
		go func() {
			if err := c.execute(context.Background(), line); err != nil && !errors.Is(err, errEmpty) {
				c.app.QueueUpdateDraw(func() { c.printf("[red]error:[-] %s\n", tview.Escape(err.Error())) })
			}
		}()
	})

	body := tview.NewFlex().
		AddItem(c.groupList, 30, 0, false).
		AddItem(c.chatbox, 0, 1, false)
	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.app.SetRoot(layout, true).SetFocus(c.input)
	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			if c.input.HasFocus() {
				c.app.SetFocus(c.groupList)
			} else {
				c.app.SetFocus(c.input)
			}
			return nil
		}
		return ev
	})
}

// printf writes to the chat box. Call it from the UI goroutine.
func (c *App) printf(format string, args ...any) {
	fmt.Fprintf(c.chatbox, format, args...)
	c.chatbox.ScrollToEnd()
}

func (c *App) listenOnMessages(ch <-chan *model.StoredMessage) {
	for msg := range ch {
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()
		if current == nil || !current.ID.Equal(msg.GroupID) {
			c.logger.Debug("message for a background group", zap.Stringer("group", msg.GroupID))
			continue
		}
		line := formatMessage(msg, c.client.InboxID())
		c.app.QueueUpdateDraw(func() { c.printf("%s\n", line) })
	}
}

func (c *App) listenOnWelcomes(ch <-chan *groups.Group) {
	for g := range ch {
		if err := c.refreshGroups(context.Background()); err != nil {
			c.logger.Error("refresh groups failed", zap.Error(err))
			continue
		}
		name := displayName(context.Background(), g)
		c.app.QueueUpdateDraw(func() { c.printf("[blue]added to %s[-]\n", tview.Escape(name)) })
	}
}

func (c *App) refreshGroups(ctx context.Context) error {
	list, err := c.client.Groups(ctx)
	if err != nil {
		return err
	}
	names := make([]string, len(list))
	for i, g := range list {
		names[i] = displayName(ctx, g)
	}
	c.mu.Lock()
	c.groups = list
	c.mu.Unlock()

	c.app.QueueUpdateDraw(func() {
		c.groupList.Clear()
		for i, name := range names {
			c.groupList.AddItem(fmt.Sprintf("%d. %s", i+1, name), "", 0, nil)
		}
	})
	return nil
}

func (c *App) open(ctx context.Context, index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.groups) {
		c.mu.Unlock()
		return fmt.Errorf("no group %d", index+1)
	}
	g := c.groups[index]
	c.current = g
	c.mu.Unlock()

	if err := g.Sync(ctx); err != nil {
		c.logger.Warn("sync before open failed", zap.Stringer("group", g.ID), zap.Error(err))
	}
	history, err := g.Messages(ctx, historySize)
	if err != nil {
		return err
	}
	name := displayName(ctx, g)
	self := c.client.InboxID()
	c.app.QueueUpdateDraw(func() {
		c.chatbox.Clear()
		c.chatbox.SetTitle(fmt.Sprintf(" %s ", tview.Escape(name)))
		for _, msg := range history {
			c.printf("%s\n", formatMessage(msg, self))
		}
	})
	return nil
}

func (c *App) execute(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}
	c.mu.Lock()
	g := c.current
	c.mu.Unlock()
	if cmd.needsGroup() && g == nil {
		return errors.New("open a group first: /open <n> or /new")
	}

	switch cmd.name {
	case cmdHelp:
		c.app.QueueUpdateDraw(func() { c.printf("[gray]%s[-]\n", helpText) })
		return nil
	case cmdNew:
		created, res, err := c.client.CreateGroup(ctx, cmd.inboxes, groups.CreateOptions{})
		if err != nil {
			return err
		}
		if err := c.refreshGroups(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		idx := len(c.groups) - 1
		for i, h := range c.groups {
			if h.ID.Equal(created.ID) {
				idx = i
			}
		}
		c.mu.Unlock()
		if err := c.open(ctx, idx); err != nil {
			return err
		}
		return res.Err()
	case cmdOpen:
		return c.open(ctx, cmd.index)
	case cmdSend:
		return g.SendText(ctx, cmd.text)
	case cmdAdd:
		return g.AddMembers(ctx, cmd.inboxes)
	case cmdRemove:
		return g.RemoveMembers(ctx, cmd.inboxes)
	case cmdRename:
		if err := g.UpdateMetadata(ctx, "name", cmd.text); err != nil {
			return err
		}
		return c.refreshGroups(ctx)
	case cmdAdmin:
		return g.UpdateAdmins(ctx, model.AdminAdd, cmd.inboxes[0])
	case cmdRotate:
		return g.RotateKeys(ctx)
	case cmdAccept:
		return c.client.SetConsent(ctx, g.ID, model.MembershipAllowed)
	case cmdDeny:
		if err := c.client.SetConsent(ctx, g.ID, model.MembershipRejected); err != nil {
			return err
		}
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return c.refreshGroups(ctx)
	case cmdMembers:
		members, err := g.Members(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(members))
		for _, m := range members {
			names = append(names, fmt.Sprintf("%s (%s)", m.InboxID, shortID(m.Installation)))
		}
		c.app.QueueUpdateDraw(func() { c.printf("[gray]members: %s[-]\n", tview.Escape(strings.Join(names, ", "))) })
		return nil
	case cmdDebug:
		info, err := g.DebugInfo(ctx)
		if err != nil {
			return err
		}
		c.app.QueueUpdateDraw(func() {
			c.printf("[gray]epoch %d, %d members, %d pending intents, %d orphans, forked=%v %s[-]\n",
				info.Epoch, len(info.Members), info.PendingIntents, info.Orphans, info.MaybeForked, tview.Escape(info.ForkDetails))
		})
		return nil
	}
	return fmt.Errorf("unhandled command /%s", cmd.name)
}
