// Package dump reads and writes the streaming change-log document.
//
// A document has the shape
//
//	<data>
//	  <version><module name=".." version=".."/></version>
//	  <model/>
//	  <changesets>
//	    <changeset revision=".." author=".." date=".." message="..">
//	      <branch id=".." base-branch=".." base-ref=".."><type name=".."/></branch>
//	      <delete type=".." id=".."><prop name=".." type=".." value=".."/></delete>
//	      <add type=".." id="..">...</add>
//	      <update type=".." id=".."><prop ... old-type=".." old-value=".."/></update>
//	    </changeset>
//	  </changesets>
//	  <types><type name=".."><item id="..">...</item></type></types>
//	  <tables><table name=".."><row>...</row></table></tables>
//	</data>
//
// Inline <error> elements may follow any top-level unit that failed to write.
package dump

import "errors"

// ErrMalformedDocument is returned for documents that break the grammar.
var ErrMalformedDocument = errors.New("malformed document")

const (
	elemData       = "data"
	elemVersion    = "version"
	elemModule     = "module"
	elemModel      = "model"
	elemChangeSets = "changesets"
	elemChangeSet  = "changeset"
	elemBranch     = "branch"
	elemAdd        = "add"
	elemUpdate     = "update"
	elemDelete     = "delete"
	elemProp       = "prop"
	elemTypes      = "types"
	elemType       = "type"
	elemItem       = "item"
	elemTables     = "tables"
	elemTable      = "table"
	elemRow        = "row"
	elemError      = "error"
)

const (
	attrRevision   = "revision"
	attrAuthor     = "author"
	attrDate       = "date"
	attrMessage    = "message"
	attrID         = "id"
	attrType       = "type"
	attrName       = "name"
	attrValue      = "value"
	attrOldType    = "old-type"
	attrOldValue   = "old-value"
	attrBaseBranch = "base-branch"
	attrBaseRef    = "base-ref"
	attrVersion    = "version"
)
