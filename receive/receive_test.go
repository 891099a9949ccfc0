package receive_test

import (
	"bytes"
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore/memstore"
	"github.com/nanogit-core/gitcore/pack"
	"github.com/nanogit-core/gitcore/pktline"
	"github.com/nanogit-core/gitcore/receive"
)

// commitFixture builds a minimal blob/tree/commit triple around content,
// returning the objects in insertion order and the commit's identity.
func commitFixture(content string, parents []hash.Hash) ([]pack.Object, hash.Hash) {
	blob := []byte(content)
	blobID := hash.Sum("blob", blob)

	tree := append([]byte("100644 a.txt"), 0)
	tree = append(tree, blobID...)
	treeID := hash.Sum("tree", tree)

	body := "tree " + treeID.String() + "\n"
	for _, p := range parents {
		body += "parent " + p.String() + "\n"
	}
	body += "author test <test@example.com> 1700000000 +0000\n\nmsg\n"
	commit := []byte(body)
	commitID := hash.Sum("commit", commit)

	return []pack.Object{
		{ID: blobID, Type: objkind.TypeBlob, Content: blob},
		{ID: treeID, Type: objkind.TypeTree, Content: tree},
		{ID: commitID, Type: objkind.TypeCommit, Content: commit},
	}, commitID
}

// insertDirect writes objs straight into store, simulating pre-existing
// repository state rather than content arriving on this push.
func insertDirect(store *memstore.Store, objs []pack.Object) {
	for _, o := range objs {
		_, err := store.Insert(context.Background(), o.Type, o.Content)
		Expect(err).NotTo(HaveOccurred())
	}
}

// buildPushRequest frames commandLines as pkt-line data records followed by
// a flush, then (if objs is non-empty) the built pack wrapped in a single
// pkt-line data record, matching the framer's pack-reading contract.
func buildPushRequest(commandLines []string, objs []pack.Object) *bytes.Reader {
	var req bytes.Buffer
	reqFramer := pktline.New(bytes.NewReader(nil), &req)

	for _, line := range commandLines {
		Expect(reqFramer.Write([]byte(line))).To(Succeed())
	}
	Expect(reqFramer.WriteFlush()).To(Succeed())

	if len(objs) > 0 {
		var packBuf bytes.Buffer
		_, err := pack.Build(&packBuf, objs)
		Expect(err).NotTo(HaveOccurred())
		Expect(reqFramer.Write(packBuf.Bytes())).To(Succeed())
	}

	return bytes.NewReader(req.Bytes())
}

func readStatusLines(respBytes []byte) []string {
	f := pktline.New(bytes.NewReader(respBytes), bytes.NewBuffer(nil))
	var lines []string
	for {
		rec, err := f.Read()
		Expect(err).NotTo(HaveOccurred())
		if rec.Kind == pktline.KindFlush {
			return lines
		}
		lines = append(lines, string(rec.Data))
	}
}

var _ = Describe("Receive", func() {
	var store *memstore.Store

	BeforeEach(func() {
		store = memstore.New()
	})

	It("creates a new ref from a pushed pack", func() {
		objs, commitID := commitFixture("hello", nil)
		req := buildPushRequest([]string{
			hash.Zero.String() + " " + commitID.String() + " refs/heads/feature\x00report-status\n",
		}, objs)

		var resp bytes.Buffer
		f := pktline.New(req, &resp)

		tx, err := receive.Receive(context.Background(), f, receive.Options{
			Store:  store,
			Walker: store,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Results).To(HaveLen(1))
		Expect(tx.Results[0].Outcome).To(Equal(receive.OutcomeOK))
		Expect(tx.Results[0].Command.Kind).To(Equal(receive.Create))

		resolved, err := store.Resolve(context.Background(), "refs/heads/feature")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolved.Is(commitID)).To(BeTrue())

		lines := readStatusLines(resp.Bytes())
		Expect(lines).To(Equal([]string{
			"unpack ok\n",
			"ok refs/heads/feature\n",
		}))
	})

	It("classifies literal all-zero ids from the wire as create and delete", func() {
		zeros := strings.Repeat("0", 40)

		objs, commitID := commitFixture("wire-zeros", nil)
		req := buildPushRequest([]string{
			zeros + " " + commitID.String() + " refs/heads/feature\x00report-status\n",
		}, objs)

		var resp bytes.Buffer
		f := pktline.New(req, &resp)

		tx, err := receive.Receive(context.Background(), f, receive.Options{
			Store:  store,
			Walker: store,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Results[0].Command.Kind).To(Equal(receive.Create))
		Expect(tx.Results[0].Outcome).To(Equal(receive.OutcomeOK))

		resolved, err := store.Resolve(context.Background(), "refs/heads/feature")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolved.Is(commitID)).To(BeTrue())

		// Delete the ref with the all-zero new id; no pack follows a pure
		// deletion.
		req = buildPushRequest([]string{
			commitID.String() + " " + zeros + " refs/heads/feature\x00report-status\n",
		}, nil)

		var delResp bytes.Buffer
		f = pktline.New(req, &delResp)

		tx, err = receive.Receive(context.Background(), f, receive.Options{
			Store:  store,
			Walker: store,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Results[0].Command.Kind).To(Equal(receive.Delete))
		Expect(tx.Results[0].Outcome).To(Equal(receive.OutcomeOK))

		_, err = store.Resolve(context.Background(), "refs/heads/feature")
		Expect(err).To(HaveOccurred())

		lines := readStatusLines(delResp.Bytes())
		Expect(lines).To(Equal([]string{
			"unpack ok\n",
			"ok refs/heads/feature\n",
		}))
	})

	It("rejects a non-fast-forward update under denyNonFastForwards", func() {
		baseObjs, baseID := commitFixture("base", nil)
		insertDirect(store, baseObjs)
		_, err := store.UpdateRef(context.Background(), "refs/heads/main", false, hash.Zero, baseID)
		Expect(err).NotTo(HaveOccurred())

		divergentObjs, divergentID := commitFixture("divergent", nil)

		req := buildPushRequest([]string{
			baseID.String() + " " + divergentID.String() + " refs/heads/main\x00report-status\n",
		}, divergentObjs)

		var resp bytes.Buffer
		f := pktline.New(req, &resp)

		tx, err := receive.Receive(context.Background(), f, receive.Options{
			Store:  store,
			Walker: store,
			Policy: receive.Policy{DenyNonFastForwards: true},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Results).To(HaveLen(1))
		Expect(tx.Results[0].Outcome).To(Equal(receive.OutcomeRejected))
		Expect(tx.Results[0].Reason).To(Equal("non-fast forward"))
		Expect(tx.Results[0].Command.Kind).To(Equal(receive.UpdateNonFastForward))

		resolved, err := store.Resolve(context.Background(), "refs/heads/main")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolved.Is(baseID)).To(BeTrue())

		lines := readStatusLines(resp.Bytes())
		Expect(lines).To(Equal([]string{
			"unpack ok\n",
			"ng refs/heads/main non-fast forward\n",
		}))
	})

	It("rejects the whole atomic batch when one command is denied", func() {
		aObjs, aID := commitFixture("a", nil)

		bBaseObjs, bBaseID := commitFixture("b-base", nil)
		insertDirect(store, bBaseObjs)
		_, err := store.UpdateRef(context.Background(), "refs/heads/b", false, hash.Zero, bBaseID)
		Expect(err).NotTo(HaveOccurred())

		bDivergentObjs, bDivergentID := commitFixture("b-divergent", nil)

		allPushed := append(append([]pack.Object{}, aObjs...), bDivergentObjs...)
		req := buildPushRequest([]string{
			hash.Zero.String() + " " + aID.String() + " refs/heads/a\x00report-status atomic\n",
			bBaseID.String() + " " + bDivergentID.String() + " refs/heads/b\n",
		}, allPushed)

		var resp bytes.Buffer
		f := pktline.New(req, &resp)

		tx, err := receive.Receive(context.Background(), f, receive.Options{
			Store:  store,
			Walker: store,
			Policy: receive.Policy{DenyNonFastForwards: true},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Results).To(HaveLen(2))

		Expect(tx.Results[0].Command.RefName).To(Equal("refs/heads/a"))
		Expect(tx.Results[0].Outcome).To(Equal(receive.OutcomeRejected))
		Expect(tx.Results[0].Reason).To(Equal("atomic transaction failed"))

		Expect(tx.Results[1].Command.RefName).To(Equal("refs/heads/b"))
		Expect(tx.Results[1].Outcome).To(Equal(receive.OutcomeRejected))
		Expect(tx.Results[1].Reason).To(Equal("non-fast forward"))

		_, err = store.Resolve(context.Background(), "refs/heads/a")
		Expect(err).To(HaveOccurred())
		resolved, err := store.Resolve(context.Background(), "refs/heads/b")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolved.Is(bBaseID)).To(BeTrue())

		lines := readStatusLines(resp.Bytes())
		Expect(lines).To(Equal([]string{
			"unpack ok\n",
			"ng refs/heads/a atomic transaction failed\n",
			"ng refs/heads/b non-fast forward\n",
		}))
	})
})
